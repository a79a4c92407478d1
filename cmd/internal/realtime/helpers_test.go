package realtime

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
	"github.com/saad7170/chatsystem/cmd/internal/presence"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCore is a fully wired in-process realtime core over an in-memory store.
type testCore struct {
	store    *chat.InMemoryStore
	hub      *Hub
	engine   *Engine
	receipts *Receipts
	disp     *Dispatcher
	mirror   *recordingMirror
}

func newTestCore(t *testing.T, scope PresenceScope) *testCore {
	t.Helper()

	log := discardLogger()
	store := chat.NewInMemoryStore()
	mirror := &recordingMirror{}
	hub := NewHub(log, nil, PresenceConfig{Scope: scope, Contacts: store, Mirror: mirror})
	engine := NewEngine(log, hub, store, chat.NewProfileResolver(store, time.Minute))
	receipts := NewReceipts(log, hub, store, nil)
	return &testCore{
		store:    store,
		hub:      hub,
		engine:   engine,
		receipts: receipts,
		disp:     NewDispatcher(log, hub, store, engine, receipts),
		mirror:   mirror,
	}
}

func (tc *testCore) putUser(t *testing.T, id, name string) {
	t.Helper()
	if _, err := tc.store.PutUser(context.Background(), chat.User{ID: id, Name: name, Email: id + "@example.test"}); err != nil {
		t.Fatalf("PutUser(%s): %v", id, err)
	}
}

func (tc *testCore) privateConversation(t *testing.T, id, a, b string) {
	t.Helper()
	_, _, err := tc.store.CreateConversation(context.Background(), chat.Conversation{
		ID:   id,
		Kind: chat.KindPrivate,
		Participants: []chat.Participant{
			{UserID: a},
			{UserID: b},
		},
		CreatedBy: a,
	})
	if err != nil {
		t.Fatalf("CreateConversation(%s): %v", id, err)
	}
}

// connect attaches a client and binds it to userID through the dispatcher.
func (tc *testCore) connect(t *testing.T, connID, userID string) (*Client, *Session) {
	t.Helper()
	c := NewClient(connID, 64)
	tc.hub.Attach(c)
	s := &Session{Client: c}
	replies := tc.disp.Dispatch(context.Background(), s, inbound(t, v1.TypeUserOnline, v1.UserOnlinePayload{UserID: userID}))
	if len(replies) != 1 || replies[0].Type != v1.TypeSessionReady {
		t.Fatalf("user:online replies = %+v", replies)
	}
	return c, s
}

func (tc *testCore) join(t *testing.T, s *Session, conversationID string) {
	t.Helper()
	replies := tc.disp.Dispatch(context.Background(), s, inbound(t, v1.TypeConversationJoin, v1.ConversationRefPayload{ConversationID: conversationID}))
	if len(replies) != 1 || replies[0].Type != v1.TypeConversationJoined {
		t.Fatalf("join replies = %+v", replies)
	}
}

var inboundSeq struct {
	mu sync.Mutex
	n  int
}

func inbound(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	inboundSeq.mu.Lock()
	inboundSeq.n++
	id := "req-" + strconv.Itoa(inboundSeq.n)
	inboundSeq.mu.Unlock()

	env, err := v1.NewEnvelope(typ, id, time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

// drain returns every envelope currently queued for c.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func typesOf(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func countType(envs []v1.Envelope, typ string) int {
	n := 0
	for _, e := range envs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := env.Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return out
}

// recordingMirror captures presence writes.
type recordingMirror struct {
	mu      sync.Mutex
	records []presence.Record
	fail    error
}

func (m *recordingMirror) Write(_ context.Context, r presence.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, r)
	return nil
}

func (m *recordingMirror) snapshot() []presence.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]presence.Record(nil), m.records...)
}
