package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

func TestHub_TwoUserScenario(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)
	tc.putUser(t, "user-a", "Alice")
	tc.putUser(t, "user-b", "Bob")
	tc.privateConversation(t, "conv-x", "user-a", "user-b")

	c1, s1 := tc.connect(t, "conn-1", "user-a")
	c2, s2 := tc.connect(t, "conn-2", "user-b")

	got := drain(c1)
	if countType(got, v1.TypeUserStatus) != 1 {
		t.Fatalf("C1 should see B come online once, got %v", typesOf(got))
	}
	st := decodePayload[v1.UserStatusPayload](t, got[0])
	if st.UserID != "user-b" || st.Status != v1.StatusOnline {
		t.Fatalf("unexpected status payload: %+v", st)
	}
	if n := countType(drain(c2), v1.TypeUserStatus); n != 0 {
		t.Fatalf("C2 must not receive its own online status, got %d", n)
	}

	tc.join(t, s1, "conv-x")
	tc.join(t, s2, "conv-x")

	// Typing excludes the originating connection.
	if replies := tc.disp.Dispatch(ctx, s2, inbound(t, v1.TypeTypingStart, v1.TypingPayload{ConversationID: "conv-x", UserID: "user-b"})); len(replies) != 0 {
		t.Fatalf("typing:start replies = %v", typesOf(replies))
	}
	got = drain(c1)
	if len(got) != 1 || got[0].Type != v1.TypeTypingUpdate {
		t.Fatalf("C1 typing = %v", typesOf(got))
	}
	if p := decodePayload[v1.TypingUpdatePayload](t, got[0]); !p.IsTyping || p.UserID != "user-b" {
		t.Fatalf("typing payload = %+v", p)
	}
	if n := len(drain(c2)); n != 0 {
		t.Fatalf("C2 must not echo its own typing, got %d envelopes", n)
	}

	// Message fan-out reaches both members, sender included.
	tc.disp.Dispatch(ctx, s2, inbound(t, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: "conv-x", SenderID: "user-b", Content: "hi", Type: "text",
	}))
	g1, g2 := drain(c1), drain(c2)
	if len(g1) != 1 || g1[0].Type != v1.TypeMessageReceive {
		t.Fatalf("C1 message = %v", typesOf(g1))
	}
	if len(g2) != 1 || g2[0].Type != v1.TypeMessageReceive {
		t.Fatalf("C2 message = %v", typesOf(g2))
	}
	msg := decodePayload[v1.MessagePayload](t, g1[0])
	if msg.Sender.Name != "Bob" || msg.Content != "hi" || msg.Seq != 1 {
		t.Fatalf("message payload = %+v", msg)
	}

	// First read mark broadcasts, the repeat does not.
	tc.disp.Dispatch(ctx, s1, inbound(t, v1.TypeMessageRead, v1.MessageReadPayload{MessageID: msg.ID, UserID: "user-a", ConversationID: "conv-x"}))
	if n := countType(drain(c2), v1.TypeMessageReadUpdate); n != 1 {
		t.Fatalf("C2 read updates = %d, want 1", n)
	}
	drain(c1)
	tc.disp.Dispatch(ctx, s1, inbound(t, v1.TypeMessageRead, v1.MessageReadPayload{MessageID: msg.ID, UserID: "user-a", ConversationID: "conv-x"}))
	if g1, g2 := drain(c1), drain(c2); len(g1)+len(g2) != 0 {
		t.Fatalf("repeated markRead broadcast: %v %v", typesOf(g1), typesOf(g2))
	}

	// Disconnect emits the implicit typing stop before the offline status.
	tc.hub.Disconnect(ctx, c2)
	got = drain(c1)
	if len(got) != 2 || got[0].Type != v1.TypeTypingUpdate || got[1].Type != v1.TypeUserStatus {
		t.Fatalf("C1 after disconnect = %v", typesOf(got))
	}
	if p := decodePayload[v1.TypingUpdatePayload](t, got[0]); p.IsTyping {
		t.Fatalf("implicit typing update should be a stop: %+v", p)
	}
	off := decodePayload[v1.UserStatusPayload](t, got[1])
	if off.UserID != "user-b" || off.Status != v1.StatusOffline || off.LastSeen == nil {
		t.Fatalf("offline payload = %+v", off)
	}
	if tc.hub.Router().IsMember("conv-x", "conn-2") {
		t.Fatalf("conn-2 still in room after disconnect")
	}
}

func TestHub_OfflineOnlyAfterLastConnection(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)

	watcher, _ := tc.connect(t, "conn-w", "user-w")
	a1, _ := tc.connect(t, "conn-a1", "user-a")
	a2, _ := tc.connect(t, "conn-a2", "user-a")

	if n := countType(drain(watcher), v1.TypeUserStatus); n != 1 {
		t.Fatalf("second connection must not rebroadcast online, got %d", n)
	}

	tc.hub.Disconnect(ctx, a1)
	if n := countType(drain(watcher), v1.TypeUserStatus); n != 0 {
		t.Fatalf("user still has a connection, got %d status events", n)
	}
	if !tc.hub.Registry().IsOnline("user-a") {
		t.Fatalf("user-a should still be online")
	}

	tc.hub.Disconnect(ctx, a2)
	tc.hub.Disconnect(ctx, a2)
	if n := countType(drain(watcher), v1.TypeUserStatus); n != 1 {
		t.Fatalf("want exactly one offline broadcast, got %d", n)
	}

	recs := tc.mirror.snapshot()
	var statuses []chat.PresenceStatus
	for _, r := range recs {
		if r.UserID == "user-a" {
			statuses = append(statuses, r.Status)
		}
	}
	if len(statuses) != 2 || statuses[0] != chat.StatusOnline || statuses[1] != chat.StatusOffline {
		t.Fatalf("mirror statuses = %v", statuses)
	}

	snap := tc.hub.Presence().Snapshot("user-a")
	if snap.Online || snap.Status != chat.StatusOffline || snap.LastSeen == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHub_MirrorFailureDoesNotBlockBroadcast(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)
	tc.mirror.fail = errors.New("redis down")

	watcher, _ := tc.connect(t, "conn-w", "user-w")
	c, _ := tc.connect(t, "conn-a", "user-a")
	tc.hub.Disconnect(ctx, c)

	if n := countType(drain(watcher), v1.TypeUserStatus); n != 2 {
		t.Fatalf("want online+offline despite mirror failure, got %d", n)
	}
}

func TestHub_SetStatus(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)

	watcher, _ := tc.connect(t, "conn-w", "user-w")
	c, s := tc.connect(t, "conn-a", "user-a")
	drain(watcher)

	replies := tc.disp.Dispatch(ctx, s, inbound(t, v1.TypeUserStatusSet, v1.UserStatusSetPayload{Status: "away"}))
	if len(replies) != 0 {
		t.Fatalf("status:set replies = %v", typesOf(replies))
	}
	got := drain(watcher)
	if len(got) != 1 {
		t.Fatalf("watcher = %v", typesOf(got))
	}
	if p := decodePayload[v1.UserStatusPayload](t, got[0]); p.Status != v1.StatusAway {
		t.Fatalf("status payload = %+v", p)
	}
	if n := len(drain(c)); n != 0 {
		t.Fatalf("origin must not receive its own status, got %d", n)
	}

	// Unchanged status is silent.
	tc.disp.Dispatch(ctx, s, inbound(t, v1.TypeUserStatusSet, v1.UserStatusSetPayload{Status: "away"}))
	if n := len(drain(watcher)); n != 0 {
		t.Fatalf("repeated status broadcast %d envelopes", n)
	}

	replies = tc.disp.Dispatch(ctx, s, inbound(t, v1.TypeUserStatusSet, v1.UserStatusSetPayload{Status: "offline"}))
	if len(replies) != 1 || decodePayload[v1.ErrorPayload](t, replies[0]).Code != chat.CodeInvalidArgument {
		t.Fatalf("offline via status:set should be invalid, got %v", replies)
	}

	if _, err := tc.hub.SetStatus(ctx, "nobody", chat.StatusAway, ""); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("SetStatus for offline user: %v", err)
	}
}

func TestHub_ContactsScope(t *testing.T) {
	tc := newTestCore(t, PresenceScopeContacts)
	tc.privateConversation(t, "conv-ab", "user-a", "user-b")

	b, _ := tc.connect(t, "conn-b", "user-b")
	stranger, _ := tc.connect(t, "conn-s", "user-s")
	tc.connect(t, "conn-a", "user-a")

	if n := countType(drain(b), v1.TypeUserStatus); n != 1 {
		t.Fatalf("contact should see user-a online, got %d", n)
	}
	for _, env := range drain(stranger) {
		if env.Type == v1.TypeUserStatus && decodePayload[v1.UserStatusPayload](t, env).UserID == "user-a" {
			t.Fatalf("stranger received user-a presence")
		}
	}
}

func TestHub_TypingRequiresJoin(t *testing.T) {
	tc := newTestCore(t, PresenceScopeGlobal)
	tc.privateConversation(t, "conv-x", "user-a", "user-b")
	_, s := tc.connect(t, "conn-a", "user-a")

	replies := tc.disp.Dispatch(context.Background(), s, inbound(t, v1.TypeTypingStart, v1.TypingPayload{ConversationID: "conv-x", UserID: "user-a"}))
	if len(replies) != 1 || decodePayload[v1.ErrorPayload](t, replies[0]).Code != chat.CodeInvalidState {
		t.Fatalf("typing before join = %v", replies)
	}

	replies = tc.disp.Dispatch(context.Background(), s, inbound(t, v1.TypeTypingStart, v1.TypingPayload{ConversationID: "conv-x", UserID: "user-b"}))
	if len(replies) != 1 || decodePayload[v1.ErrorPayload](t, replies[0]).Code != chat.CodeUnauthorized {
		t.Fatalf("typing as another user = %v", replies)
	}
}

func TestHub_LeaveStopsTyping(t *testing.T) {
	tc := newTestCore(t, PresenceScopeGlobal)
	tc.privateConversation(t, "conv-x", "user-a", "user-b")
	c1, s1 := tc.connect(t, "conn-a", "user-a")
	_, s2 := tc.connect(t, "conn-b", "user-b")
	tc.join(t, s1, "conv-x")
	tc.join(t, s2, "conv-x")
	drain(c1)

	tc.disp.Dispatch(context.Background(), s2, inbound(t, v1.TypeTypingStart, v1.TypingPayload{ConversationID: "conv-x"}))
	replies := tc.disp.Dispatch(context.Background(), s2, inbound(t, v1.TypeConversationLeave, v1.ConversationRefPayload{ConversationID: "conv-x"}))
	if len(replies) != 1 || replies[0].Type != v1.TypeConversationLeft {
		t.Fatalf("leave replies = %v", typesOf(replies))
	}

	got := drain(c1)
	if len(got) != 2 {
		t.Fatalf("C1 = %v", typesOf(got))
	}
	if p := decodePayload[v1.TypingUpdatePayload](t, got[1]); p.IsTyping {
		t.Fatalf("leave should emit a typing stop: %+v", p)
	}
}

func TestDispatcher_RequiresUserOnline(t *testing.T) {
	tc := newTestCore(t, PresenceScopeGlobal)
	c := NewClient("conn-anon", 8)
	tc.hub.Attach(c)
	s := &Session{Client: c}

	env := inbound(t, v1.TypeConversationJoin, v1.ConversationRefPayload{ConversationID: "conv-x"})
	replies := tc.disp.Dispatch(context.Background(), s, env)
	if len(replies) != 1 || replies[0].Type != v1.TypeError {
		t.Fatalf("replies = %v", typesOf(replies))
	}
	p := decodePayload[v1.ErrorPayload](t, replies[0])
	if p.Code != chat.CodeInvalidState || p.Event != v1.TypeConversationJoin || p.RequestID != env.ID {
		t.Fatalf("error payload = %+v", p)
	}
}

func TestDispatcher_AuthenticatedIdentityWins(t *testing.T) {
	tc := newTestCore(t, PresenceScopeGlobal)
	c := NewClient("conn-1", 8)
	tc.hub.Attach(c)
	s := &Session{Client: c, AuthUserID: "user-a"}

	replies := tc.disp.Dispatch(context.Background(), s, inbound(t, v1.TypeUserOnline, v1.UserOnlinePayload{UserID: "user-b"}))
	if len(replies) != 1 || decodePayload[v1.ErrorPayload](t, replies[0]).Code != chat.CodeUnauthorized {
		t.Fatalf("impersonation replies = %v", replies)
	}

	replies = tc.disp.Dispatch(context.Background(), s, inbound(t, v1.TypeUserOnline, v1.UserOnlinePayload{}))
	if len(replies) != 1 || replies[0].Type != v1.TypeSessionReady {
		t.Fatalf("replies = %v", typesOf(replies))
	}
	if got := decodePayload[v1.SessionReadyPayload](t, replies[0]); got.UserID != "user-a" || got.ConnectionID != "conn-1" {
		t.Fatalf("session ready = %+v", got)
	}
}

func TestDispatcher_RejectsUnknownAndMalformed(t *testing.T) {
	tc := newTestCore(t, PresenceScopeGlobal)
	s := &Session{Client: NewClient("conn-1", 8)}

	bad := v1.Envelope{V: v1.Version, Type: "message:explode", ID: "x", Payload: []byte(`{}`)}
	replies := tc.disp.Dispatch(context.Background(), s, bad)
	if len(replies) != 1 || decodePayload[v1.ErrorPayload](t, replies[0]).Code != chat.CodeInvalidArgument {
		t.Fatalf("unknown type replies = %v", replies)
	}

	malformed := v1.Envelope{V: v1.Version, Type: v1.TypeUserOnline, ID: "y", Payload: []byte(`"nope"`)}
	replies = tc.disp.Dispatch(context.Background(), s, malformed)
	if len(replies) != 1 || decodePayload[v1.ErrorPayload](t, replies[0]).Code != chat.CodeInvalidArgument {
		t.Fatalf("malformed payload replies = %v", replies)
	}
}

// blockingContacts stalls ListContacts for one user until released.
type blockingContacts struct {
	userID  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingContacts) ListContacts(ctx context.Context, userID string) ([]string, error) {
	if userID == b.userID {
		b.once.Do(func() { close(b.entered) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []string{"user-b", "user-c"}, nil
}

func TestHub_SlowAudienceDoesNotBlockOtherRooms(t *testing.T) {
	ctx := context.Background()
	contacts := &blockingContacts{userID: "user-a", entered: make(chan struct{}), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(contacts.release) }) }
	defer release()

	hub := NewHub(discardLogger(), nil, PresenceConfig{Scope: PresenceScopeContacts, Contacts: contacts})
	b, c := NewClient("conn-b", 16), NewClient("conn-c", 16)
	for _, x := range []struct {
		client *Client
		userID string
	}{{b, "user-b"}, {c, "user-c"}} {
		hub.Attach(x.client)
		if _, err := hub.Connect(ctx, x.client, x.userID); err != nil {
			t.Fatalf("Connect(%s): %v", x.userID, err)
		}
		if err := hub.Join(x.client, "conv-bc"); err != nil {
			t.Fatalf("Join(%s): %v", x.userID, err)
		}
	}
	drain(b)
	drain(c)

	a := NewClient("conn-a", 16)
	hub.Attach(a)
	connected := make(chan error, 1)
	go func() {
		_, err := hub.Connect(ctx, a, "user-a")
		connected <- err
	}()

	select {
	case <-contacts.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("presence audience was never resolved")
	}

	typed := make(chan error, 1)
	go func() { typed <- hub.SetTyping(b, "conv-bc", true) }()
	select {
	case err := <-typed:
		if err != nil {
			t.Fatalf("SetTyping: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("SetTyping waited on another user's presence broadcast")
	}
	if got := drain(c); len(got) != 1 || got[0].Type != v1.TypeTypingUpdate {
		t.Fatalf("C = %v", typesOf(got))
	}

	release()
	select {
	case err := <-connected:
		if err != nil {
			t.Fatalf("Connect(user-a): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after the audience resolved")
	}
	if n := countType(drain(b), v1.TypeUserStatus); n != 1 {
		t.Fatalf("contact should see user-a online once, got %d", n)
	}
}

func TestHub_StaleStatusIsNotAnnounced(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)
	b, _ := tc.connect(t, "conn-b", "user-b")
	a, _ := tc.connect(t, "conn-a", "user-a")
	drain(b)

	online := tc.hub.Presence().Connect("user-a", a.ConnID)
	offline := tc.hub.Presence().Disconnect("user-a")

	// The newer transition goes out first; the older one arrives late.
	tc.hub.Presence().Announce(ctx, offline)
	tc.hub.Presence().Announce(ctx, online)

	got := drain(b)
	if len(got) != 1 {
		t.Fatalf("B = %v", typesOf(got))
	}
	if p := decodePayload[v1.UserStatusPayload](t, got[0]); p.Status != v1.StatusOffline {
		t.Fatalf("last announced status = %+v", p)
	}
}

func TestHub_TypingStopWaitsForLastDevice(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)
	tc.privateConversation(t, "conv-x", "user-a", "user-b")
	a1, s1 := tc.connect(t, "conn-a1", "user-a")
	a2, s2 := tc.connect(t, "conn-a2", "user-a")
	b, sb := tc.connect(t, "conn-b", "user-b")
	for _, s := range []*Session{s1, s2, sb} {
		tc.join(t, s, "conv-x")
	}
	for _, s := range []*Session{s1, s2} {
		tc.disp.Dispatch(ctx, s, inbound(t, v1.TypeTypingStart, v1.TypingPayload{ConversationID: "conv-x"}))
	}
	drain(b)

	tc.hub.Disconnect(ctx, a1)
	if n := countType(drain(b), v1.TypeTypingUpdate); n != 0 {
		t.Fatalf("typing stop sent while user-a still types on another device, got %d", n)
	}

	tc.hub.Disconnect(ctx, a2)
	got := drain(b)
	if countType(got, v1.TypeTypingUpdate) != 1 {
		t.Fatalf("B = %v", typesOf(got))
	}
	for _, env := range got {
		if env.Type != v1.TypeTypingUpdate {
			continue
		}
		if p := decodePayload[v1.TypingUpdatePayload](t, env); p.IsTyping || p.UserID != "user-a" {
			t.Fatalf("typing payload = %+v", p)
		}
	}
}

func TestHub_LeaveWithOtherDeviceTyping(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)
	tc.privateConversation(t, "conv-x", "user-a", "user-b")
	_, s1 := tc.connect(t, "conn-a1", "user-a")
	_, s2 := tc.connect(t, "conn-a2", "user-a")
	b, sb := tc.connect(t, "conn-b", "user-b")
	for _, s := range []*Session{s1, s2, sb} {
		tc.join(t, s, "conv-x")
	}
	for _, s := range []*Session{s1, s2} {
		tc.disp.Dispatch(ctx, s, inbound(t, v1.TypeTypingStart, v1.TypingPayload{ConversationID: "conv-x"}))
	}
	drain(b)

	tc.disp.Dispatch(ctx, s1, inbound(t, v1.TypeConversationLeave, v1.ConversationRefPayload{ConversationID: "conv-x"}))
	if n := countType(drain(b), v1.TypeTypingUpdate); n != 0 {
		t.Fatalf("leave emitted a typing stop while another device types, got %d", n)
	}

	tc.disp.Dispatch(ctx, s2, inbound(t, v1.TypeConversationLeave, v1.ConversationRefPayload{ConversationID: "conv-x"}))
	if n := countType(drain(b), v1.TypeTypingUpdate); n != 1 {
		t.Fatalf("last leave should emit one typing stop, got %d", n)
	}
}

func TestHub_JoinRechecksAfterConcurrentEviction(t *testing.T) {
	ctx := context.Background()
	tc := newTestCore(t, PresenceScopeGlobal)
	tc.privateConversation(t, "conv-x", "user-a", "user-b")
	a, _ := tc.connect(t, "conn-a", "user-a")

	calls := 0
	err := tc.hub.JoinAuthorized(ctx, a, "conv-x", func(ctx context.Context) error {
		calls++
		_, err := chat.Authorize(ctx, tc.store, "conv-x", "user-a")
		if calls == 1 && err == nil {
			// user-a is removed after passing the check but before the join lands.
			if _, err := tc.store.RemoveParticipant(ctx, "conv-x", "user-a"); err != nil {
				t.Fatalf("RemoveParticipant: %v", err)
			}
			tc.hub.Evict("conv-x", "user-a")
		}
		return err
	})
	if !errors.Is(err, chat.ErrUnauthorized) {
		t.Fatalf("JoinAuthorized after removal: %v", err)
	}
	if calls != 2 {
		t.Fatalf("authorize calls = %d, want 2", calls)
	}
	if tc.hub.Router().IsMember("conv-x", a.ConnID) {
		t.Fatal("removed user was left in the room")
	}

	// Without a racing eviction the join lands after one check.
	calls = 0
	tc.privateConversation(t, "conv-y", "user-a", "user-b")
	err = tc.hub.JoinAuthorized(ctx, a, "conv-y", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 || !tc.hub.Router().IsMember("conv-y", a.ConnID) {
		t.Fatalf("JoinAuthorized: err=%v calls=%d", err, calls)
	}
}
