package realtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// Hub owns the live state of one process: registered connections, rooms,
// typing indicators and presence.
//
// Connection lifecycle operations (connect, join, leave, typing, status,
// disconnect) run under one lock so a teardown is never observed half done.
// Message fan-out does not take it; the Router orders it per room. Presence
// announcements resolve their audience after the lock is released.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	registry *Registry
	router   *Router
	typing   *Typing
	presence *Presence
	locks    *keyedMutex

	lifecycle sync.Mutex
	conns     map[string]*Client
	evictions map[string]uint64 // conversationID -> number of evictions
}

// NewHub constructs a Hub. cfg configures the presence coordinator.
func NewHub(log *slog.Logger, metrics *Metrics, cfg PresenceConfig) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	registry := NewRegistry()
	return &Hub{
		log:      log,
		metrics:  metrics,
		now:      cfg.Now,
		registry: registry,
		router:   NewRouter(log, metrics),
		typing:   NewTyping(),
		presence: NewPresence(log, metrics, registry, cfg),
		locks:    newKeyedMutex(),
		conns:    make(map[string]*Client),

		evictions: make(map[string]uint64),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Router() *Router     { return h.router }
func (h *Hub) Presence() *Presence { return h.presence }
func (h *Hub) Typing() *Typing     { return h.typing }
func (h *Hub) Metrics() *Metrics   { return h.metrics }

// Attach records a freshly accepted connection.
func (h *Hub) Attach(c *Client) {
	h.lifecycle.Lock()
	h.conns[c.ConnID] = c
	n := len(h.conns)
	h.lifecycle.Unlock()

	h.metrics.Connections.Set(float64(n))
}

// Connect binds c to userID. The first connection of a user broadcasts
// user:status online to everyone else; later ones are silent.
func (h *Hub) Connect(ctx context.Context, c *Client, userID string) (first bool, err error) {
	const op = "realtime.Connect"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, chat.Errorf(op, chat.ErrInvalidArgument, "userId is required")
	}

	h.lifecycle.Lock()
	first, err = h.registry.Register(userID, c)
	if err != nil {
		h.lifecycle.Unlock()
		switch err {
		case ErrAlreadyBound:
			return false, chat.Errorf(op, chat.ErrInvalidState, "connection already bound to another user")
		case ErrClientClosed:
			return false, chat.Errorf(op, chat.ErrInvalidState, "connection is closing")
		default:
			return false, chat.Errorf(op, chat.ErrInvalidArgument, "%v", err)
		}
	}

	var t Transition
	if first {
		t = h.presence.Connect(userID, c.ConnID)
	}
	_, users := h.registry.Count()
	h.lifecycle.Unlock()

	h.metrics.OnlineUsers.Set(float64(users))
	if first {
		h.presence.Announce(ctx, t)
		h.presence.Persist(ctx, t)
	}
	return first, nil
}

// Join adds c to the conversation room. Participation is checked by the caller.
func (h *Hub) Join(c *Client, conversationID string) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if err := h.router.Join(conversationID, c); err != nil {
		return chat.Errorf("realtime.Join", chat.ErrInvalidState, "connection is closing")
	}
	return nil
}

// joinAttempts bounds how often JoinAuthorized re-checks access when
// evictions keep racing it.
const joinAttempts = 3

// JoinAuthorized checks access with authorize and adds c to the room. If the
// room saw an eviction while authorize ran, the check is repeated, so a join
// racing a participant removal never leaves the removed user in the room.
func (h *Hub) JoinAuthorized(ctx context.Context, c *Client, conversationID string, authorize func(context.Context) error) error {
	for range joinAttempts {
		h.lifecycle.Lock()
		gen := h.evictions[conversationID]
		h.lifecycle.Unlock()

		if err := authorize(ctx); err != nil {
			return err
		}

		h.lifecycle.Lock()
		if h.evictions[conversationID] != gen {
			h.lifecycle.Unlock()
			continue
		}
		err := h.router.Join(conversationID, c)
		h.lifecycle.Unlock()
		if err != nil {
			return chat.Errorf("realtime.Join", chat.ErrInvalidState, "connection is closing")
		}
		return nil
	}
	return chat.Errorf("realtime.Join", chat.ErrConflict, "conversation membership is changing, retry")
}

// Leave removes c from the room, ending its typing indicator there first.
func (h *Hub) Leave(c *Client, conversationID string) bool {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	left := h.router.Leave(conversationID, c.ConnID)
	if h.typing.Stop(c.ConnID, conversationID) {
		h.implicitStop(conversationID, c.UserID(), c.ConnID)
	}
	return left
}

// Evict removes userID's connections from the room after they lost access
// to the conversation. An empty userID empties the room. Returns the number
// of connections removed.
func (h *Hub) Evict(conversationID, userID string) int {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.evictions[conversationID]++
	n := 0
	for _, c := range h.router.Members(conversationID) {
		if userID != "" && c.UserID() != userID {
			continue
		}
		if h.typing.Stop(c.ConnID, conversationID) {
			h.implicitStop(conversationID, c.UserID(), c.ConnID)
		}
		if h.router.Leave(conversationID, c.ConnID) {
			n++
		}
	}
	if n > 0 {
		h.log.Info("room.member.evict", "conversation_id", conversationID, "user_id", userID, "count", n)
	}
	return n
}

// SetTyping forwards a typing start/stop from c to the other members of the room.
func (h *Hub) SetTyping(c *Client, conversationID string, isTyping bool) error {
	const op = "realtime.SetTyping"

	userID := c.UserID()
	if userID == "" {
		return chat.Errorf(op, chat.ErrInvalidState, "send user:online first")
	}
	if strings.TrimSpace(conversationID) == "" {
		return chat.Errorf(op, chat.ErrInvalidArgument, "conversationId is required")
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if c.Closed() {
		return nil
	}
	if !h.router.IsMember(conversationID, c.ConnID) {
		return chat.Errorf(op, chat.ErrInvalidState, "join the conversation first")
	}

	if isTyping {
		h.typing.Start(c.ConnID, conversationID, userID)
	} else {
		h.typing.Stop(c.ConnID, conversationID)
	}
	h.broadcastTyping(conversationID, userID, isTyping, c.ConnID)
	return nil
}

// SetStatus changes the presence status of an online user.
func (h *Hub) SetStatus(ctx context.Context, userID string, status chat.PresenceStatus, originConnID string) (bool, error) {
	h.lifecycle.Lock()
	t, changed, err := h.presence.SetStatus(userID, status, originConnID)
	h.lifecycle.Unlock()

	if err != nil || !changed {
		return false, err
	}
	h.presence.Announce(ctx, t)
	h.presence.Persist(ctx, t)
	return true, nil
}

// Disconnect tears the connection down: it leaves every room, emits the
// implicit typing stops, unregisters the connection and, when it was the
// user's last one, broadcasts a single offline status. Safe to call twice.
func (h *Hub) Disconnect(ctx context.Context, c *Client) {
	ctx = context.WithoutCancel(ctx)

	h.lifecycle.Lock()
	if _, ok := h.conns[c.ConnID]; !ok {
		h.lifecycle.Unlock()
		c.Close()
		return
	}
	delete(h.conns, c.ConnID)
	c.Close()

	h.router.LeaveAll(c.ConnID)
	for _, s := range h.typing.Clear(c.ConnID) {
		h.implicitStop(s.ConversationID, s.UserID, c.ConnID)
	}

	var (
		t       Transition
		offline bool
	)
	userID, last, ok := h.registry.Unregister(c.ConnID)
	if ok && last {
		t = h.presence.Disconnect(userID)
		offline = true
	}
	conns := len(h.conns)
	_, users := h.registry.Count()
	h.lifecycle.Unlock()

	h.metrics.Connections.Set(float64(conns))
	h.metrics.OnlineUsers.Set(float64(users))
	if offline {
		h.presence.Announce(ctx, t)
		h.presence.Persist(ctx, t)
	}
}

// Shutdown disconnects every attached connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.lifecycle.Lock()
	clients := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.lifecycle.Unlock()

	for _, c := range clients {
		h.Disconnect(ctx, c)
	}
}

// implicitStop tells the room userID stopped typing unless another of their
// connections still is.
func (h *Hub) implicitStop(conversationID, userID, excludeConnID string) {
	if h.typing.UserTyping(userID, conversationID) {
		return
	}
	h.broadcastTyping(conversationID, userID, false, excludeConnID)
}

func (h *Hub) broadcastTyping(conversationID, userID string, isTyping bool, excludeConnID string) {
	env := newEnvelope(v1.TypeTypingUpdate, v1.TypingUpdatePayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}, h.now())
	h.router.Broadcast(conversationID, env, excludeConnID)
}
