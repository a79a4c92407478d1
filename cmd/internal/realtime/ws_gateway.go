package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/saad7170/chatsystem/cmd/internal/auth"
	"github.com/saad7170/chatsystem/cmd/internal/chat"
	"github.com/saad7170/chatsystem/cmd/internal/ids"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// GatewayConfig holds the websocket transport settings.
type GatewayConfig struct {
	// DevInsecure disables the accept-time origin verification. Development only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		SendQueueSize:     defaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint of the realtime core.
//
// It enforces origin policy, authentication, subprotocol selection, rate
// limits and heartbeats, then feeds validated envelopes to the Dispatcher.
// Every exit path runs the single Hub teardown.
type WSGateway struct {
	log        *slog.Logger
	hub        *Hub
	dispatcher *Dispatcher
	auth       *auth.Resolver
	cfg        GatewayConfig

	// Derived for websocket.Accept, which rejects cross-origin requests
	// whose host matches none of these patterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil resolver accepts anonymous upgrades.
func NewWSGateway(log *slog.Logger, hub *Hub, dispatcher *Dispatcher, resolver *auth.Resolver, cfg GatewayConfig) *WSGateway {
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		dispatcher:     dispatcher,
		auth:           resolver,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the connection until it closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	authUserID, err := g.resolveUser(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(ids.NewConnectionID(), g.cfg.SendQueueSize)
	connID := client.ConnID
	g.hub.Attach(client)
	g.log.Debug("ws.open", "conn_id", connID, "auth_user_id", authUserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})

	// shutdown tears the connection down once. With drain set, the writer
	// flushes what is already queued (a final error, say) before the socket
	// is closed, bounded by one write timeout.
	var (
		closeOnce sync.Once
		draining  atomic.Bool
	)
	shutdown := func(code websocket.StatusCode, reason string, drain bool) {
		closeOnce.Do(func() {
			draining.Store(drain)
			g.hub.Disconnect(ctx, client)
			if drain {
				select {
				case <-writerDone:
				case <-time.After(g.cfg.WriteTimeout):
				}
			}
			_ = conn.Close(code, reason)
			cancel()
			g.log.Debug("ws.close", "conn_id", connID, "user_id", client.UserID(), "reason", reason)
		})
	}

	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				if client.CloseReason() == CloseReasonSlowConsumer {
					shutdown(websocket.StatusPolicyViolation, CloseReasonSlowConsumer, false)
					return
				}
				g.flush(ctx, conn, client)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					if !draining.Load() {
						shutdown(websocket.StatusAbnormalClosure, "write failed", false)
					}
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed", false)
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	session := &Session{Client: client, AuthUserID: authUserID}
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed", false)
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done", false)
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed", false)
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed", false)
			}
			break readLoop
		}

		if !rl.Allow(time.Now()) {
			g.hub.metrics.RateLimited.Inc()
			g.log.Info("ws.rate_limited", "conn_id", connID, "user_id", client.UserID())
			g.reply(client, g.dispatcher.errorEnvelope(v1.Envelope{}, chat.Errorf("realtime.RateLimit", chat.ErrInvalidState, "too many events")))
			shutdown(websocket.StatusPolicyViolation, "rate limited", true)
			break readLoop
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.reply(client, g.dispatcher.errorEnvelope(env, chat.Errorf("realtime.Read", chat.ErrInvalidArgument, "invalid JSON")))
			continue
		}

		for _, out := range g.dispatcher.Dispatch(ctx, session, env) {
			g.reply(client, out)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye", true)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// flush writes whatever is still queued for c without waiting for more.
func (g *WSGateway) flush(ctx context.Context, conn *websocket.Conn, c *Client) {
	for {
		select {
		case env := <-c.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Debug("ws.flush.fail", "conn_id", c.ConnID, "err", err)
				return
			}
		default:
			return
		}
	}
}

// reply enqueues env to the originating connection only.
func (g *WSGateway) reply(c *Client, env v1.Envelope) {
	if deliver(g.log, g.hub.metrics, c, env) {
		g.hub.metrics.Outbound.WithLabelValues(env.Type).Inc()
	}
}

// resolveUser authenticates the upgrade request. "" with a nil error is an
// anonymous development connection that identifies itself via user:online.
func (g *WSGateway) resolveUser(r *http.Request) (string, error) {
	if g.auth == nil {
		return "", nil
	}
	userID, err := g.auth.Resolve(r)
	if err != nil {
		return "", err
	}
	if userID == "" && g.auth.Required {
		return "", auth.ErrMissingToken
	}
	return userID, nil
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores scheme and port.
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into host
// patterns for websocket.Accept so both origin checks agree.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
