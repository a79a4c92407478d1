// Package main provides a CI-friendly WebSocket smoke test for the chat
// realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - user:online -> session:ready
//   - conversation:join echo
//   - message:send fan-out to both members
//   - idempotent dedupe by clientMsgId (sender-only answer, no re-broadcast)
//   - message:edited fan-out
//   - typing:start / typing:stop relayed to the other member only
//   - message:read -> message:read:update
//   - message:deleted tombstone
//   - implicit typing stop and offline status when a member disconnects
//
// Run it against a server seeded with both users, for example
// CHAT_SEED_USERS=alice:Alice,bob:Bob.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type options struct {
	wsURL   string
	apiURL  string
	origin  string
	userA   string
	userB   string
	tokenA  string
	tokenB  string
	convID  string
	text    string
	timeout time.Duration
	verbose bool
}

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var o options
	flags := pflag.NewFlagSet("ws-smoke", pflag.ContinueOnError)
	flags.StringVar(&o.wsURL, "url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
	flags.StringVar(&o.apiURL, "api", "", "REST base URL (derived from --url when empty)")
	flags.StringVar(&o.origin, "origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
	flags.StringVar(&o.userA, "user-a", "alice", "first user id")
	flags.StringVar(&o.userB, "user-b", "bob", "second user id")
	flags.StringVar(&o.tokenA, "token-a", "", "bearer token for the first user (auth-required servers)")
	flags.StringVar(&o.tokenB, "token-b", "", "bearer token for the second user (auth-required servers)")
	flags.StringVar(&o.convID, "conv", "", "conversation id to use (a private conversation is created when empty)")
	flags.StringVar(&o.text, "text", "hello chat 👋", "message text to send")
	flags.DurationVar(&o.timeout, "timeout", 7*time.Second, "per-step timeout")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatalf("%v", err)
	}

	if err := validateWSURL(o.wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if err := validateOrigin(o.origin); err != nil {
		fatalf("invalid --origin: %v", err)
	}
	if o.apiURL == "" {
		o.apiURL = apiFromWS(o.wsURL)
	}

	root := context.Background()

	if o.convID == "" {
		o.convID = mustCreatePrivate(root, o)
	}

	a := mustConnect(root, "A", o.userA, o.tokenA, o)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", o.userB, o.tokenB, o)
	bClosed := false
	defer func() {
		if !bClosed {
			closeWS(b.conn)
		}
	}()

	if o.verbose {
		fmt.Printf("connected: A=%s B=%s conv=%s origin=%q\n", a.connID, b.connID, o.convID, o.origin)
	}

	mustJoin(root, a, o.convID, o.timeout)
	mustJoin(root, b, o.convID, o.timeout)

	clientMsgID := uuid.NewString()
	mustWrite(root, a, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: o.convID,
		SenderID:       a.userID,
		Content:        o.text,
		Type:           v1.MessageTypeText,
		ClientMsgID:    clientMsgID,
	}, o.timeout)

	sent := mustReadMessage(root, a, v1.TypeMessageReceive, o.timeout)
	got := mustReadMessage(root, b, v1.TypeMessageReceive, o.timeout)
	assertMessage(a.name, sent, o.convID, a.userID, o.text, false)
	assertMessage(b.name, got, o.convID, a.userID, o.text, false)
	if got.ID != sent.ID || got.Seq != sent.Seq {
		fatalf("fan-out mismatch: A=%s/%d B=%s/%d", sent.ID, sent.Seq, got.ID, got.Seq)
	}

	// Retry with the same idempotency key: answered to A only, never re-broadcast.
	mustWrite(root, a, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: o.convID,
		SenderID:       a.userID,
		Content:        o.text,
		ClientMsgID:    clientMsgID,
	}, o.timeout)
	dup := mustReadMessage(root, a, v1.TypeMessageReceive, o.timeout)
	if dup.ID != sent.ID {
		fatalf("dedupe: id mismatch: first=%s second=%s", sent.ID, dup.ID)
	}
	mustAssertNoType(root, b, v1.TypeMessageReceive, 1200*time.Millisecond)

	edited := o.text + "!"
	mustWrite(root, a, v1.TypeMessageEdit, v1.MessageEditPayload{MessageID: sent.ID, ConversationID: o.convID, Content: edited}, o.timeout)
	assertMessage(a.name, mustReadMessage(root, a, v1.TypeMessageEdited, o.timeout), o.convID, a.userID, edited, true)
	assertMessage(b.name, mustReadMessage(root, b, v1.TypeMessageEdited, o.timeout), o.convID, a.userID, edited, true)

	mustWrite(root, b, v1.TypeTypingStart, v1.TypingPayload{ConversationID: o.convID, UserID: b.userID}, o.timeout)
	mustAssertTyping(root, a, o.convID, b.userID, true, o.timeout)
	mustWrite(root, b, v1.TypeTypingStop, v1.TypingPayload{ConversationID: o.convID, UserID: b.userID}, o.timeout)
	mustAssertTyping(root, a, o.convID, b.userID, false, o.timeout)

	mustWrite(root, b, v1.TypeMessageRead, v1.MessageReadPayload{MessageID: sent.ID, ConversationID: o.convID, UserID: b.userID}, o.timeout)
	for _, c := range []*smokeClient{a, b} {
		var p v1.MessageReadUpdatePayload
		decode(c, c.mustReadUntilType(root, v1.TypeMessageReadUpdate, o.timeout, presenceNoise), &p)
		if p.MessageID != sent.ID || p.UserID != b.userID || p.ReadAt.IsZero() {
			fatalf("read update mismatch (%s): %+v", c.name, p)
		}
	}

	mustWrite(root, a, v1.TypeMessageDelete, v1.MessageDeletePayload{MessageID: sent.ID, ConversationID: o.convID}, o.timeout)
	for _, c := range []*smokeClient{a, b} {
		var p v1.MessageDeletedPayload
		decode(c, c.mustReadUntilType(root, v1.TypeMessageDeleted, o.timeout, presenceNoise), &p)
		if p.MessageID != sent.ID || p.Content != v1.TombstoneContent || p.DeletedAt.IsZero() {
			fatalf("delete mismatch (%s): %+v", c.name, p)
		}
	}

	// B disconnects while typing: A sees the implicit stop, then B going offline.
	mustWrite(root, b, v1.TypeTypingStart, v1.TypingPayload{ConversationID: o.convID, UserID: b.userID}, o.timeout)
	mustAssertTyping(root, a, o.convID, b.userID, true, o.timeout)
	closeWS(b.conn)
	bClosed = true
	mustAssertTyping(root, a, o.convID, b.userID, false, o.timeout)
	mustAssertStatus(root, a, b.userID, v1.StatusOffline, o.timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s msg_id=%s seq=%d\n", a.connID, b.connID, o.convID, sent.ID, sent.Seq)
}

// presenceNoise lists events that may interleave with any step.
var presenceNoise = map[string]struct{}{v1.TypeUserStatus: {}}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func apiFromWS(raw string) string {
	u, _ := url.Parse(raw)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func authHeader(h http.Header, userID, token string) {
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
		return
	}
	h.Set("X-User-ID", userID)
}

func mustCreatePrivate(parent context.Context, o options) string {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"type": "private", "userId": o.userB})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.apiURL, "/")+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	authHeader(req.Header, o.userA, o.tokenA)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		fatalf("create conversation: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &conv); err != nil || conv.ID == "" {
		fatalf("create conversation: bad response %s", strings.TrimSpace(string(raw)))
	}
	return conv.ID
}

func mustConnect(parent context.Context, name, userID, token string, o options) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(o.origin) != "" {
		h.Set("Origin", o.origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, o.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		token:  token,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeUserOnline, v1.UserOnlinePayload{UserID: userID}, o.timeout)

	var p v1.SessionReadyPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeSessionReady, o.timeout, presenceNoise), &p)
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("session:ready missing connectionId (%s)", name)
	}
	if p.UserID != userID {
		fatalf("session:ready user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.connID = p.ConnectionID
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeConversationJoin, v1.ConversationRefPayload{ConversationID: convID}, stepTimeout)

	var p v1.ConversationRefPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeConversationJoined, stepTimeout, presenceNoise), &p)
	if p.ConversationID != convID {
		fatalf("join echo conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustReadMessage(parent context.Context, c *smokeClient, typ string, stepTimeout time.Duration) v1.MessagePayload {
	var p v1.MessagePayload
	decode(c, c.mustReadUntilType(parent, typ, stepTimeout, presenceNoise), &p)
	return p
}

func assertMessage(name string, m v1.MessagePayload, convID, senderID, content string, isEdited bool) {
	switch {
	case strings.TrimSpace(m.ID) == "":
		fatalf("message missing id (%s)", name)
	case m.ConversationID != convID:
		fatalf("message conversationId mismatch (%s): got=%q want=%q", name, m.ConversationID, convID)
	case m.Sender.ID != senderID:
		fatalf("message sender mismatch (%s): got=%q want=%q", name, m.Sender.ID, senderID)
	case m.Content != content:
		fatalf("message content mismatch (%s): got=%q want=%q", name, m.Content, content)
	case m.IsEdited != isEdited:
		fatalf("message isEdited mismatch (%s): got=%v want=%v", name, m.IsEdited, isEdited)
	case m.Seq <= 0:
		fatalf("message invalid seq (%s): %d", name, m.Seq)
	case m.CreatedAt.IsZero():
		fatalf("message createdAt missing/zero (%s)", name)
	}
}

func mustAssertTyping(parent context.Context, c *smokeClient, convID, userID string, isTyping bool, stepTimeout time.Duration) {
	var p v1.TypingUpdatePayload
	decode(c, c.mustReadUntilType(parent, v1.TypeTypingUpdate, stepTimeout, presenceNoise), &p)
	if p.ConversationID != convID || p.UserID != userID || p.IsTyping != isTyping {
		fatalf("typing update mismatch (%s): %+v want user=%s isTyping=%v", c.name, p, userID, isTyping)
	}
}

func mustAssertStatus(parent context.Context, c *smokeClient, userID, status string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		var p v1.UserStatusPayload
		decode(c, c.mustReadUntilType(ctx, v1.TypeUserStatus, stepTimeout, nil), &p)
		if p.UserID != userID {
			continue
		}
		if p.Status != status {
			fatalf("status mismatch (%s): user=%s got=%q want=%q", c.name, userID, p.Status, status)
		}
		if status == v1.StatusOffline && p.LastSeen == nil {
			fatalf("offline status missing lastSeen (%s)", c.name)
		}
		return
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				fatalServerError(c, env)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalServerError(c, env)
			}
			if _, skip := skipTypes[env.Type]; skip {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := v1.NewEnvelope(typ, fmt.Sprintf("%s-%s", c.name, uuid.NewString()), time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s envelope: %v", typ, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s failed (%s): %v", typ, c.name, err)
	}
}

func decode(c *smokeClient, env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode %s payload (%s): %v", env.Type, c.name, err)
	}
}

func fatalServerError(c *smokeClient, env v1.Envelope) {
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	fatalf("server error (%s): code=%q msg=%q event=%q", c.name, ep.Code, ep.Message, ep.Event)
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
