package realtime

import (
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

func TestRouter_BroadcastExcludesOrigin(t *testing.T) {
	r := NewRouter(discardLogger(), nil)
	a, b := NewClient("a", 4), NewClient("b", 4)
	if err := r.Join("room", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := r.Join("room", b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	env := newEnvelope(v1.TypeTypingUpdate, v1.TypingUpdatePayload{ConversationID: "room"}, time.Now())
	if n := r.Broadcast("room", env, "a"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if len(drain(a)) != 0 || len(drain(b)) != 1 {
		t.Fatalf("exclusion not applied")
	}
	if n := r.Broadcast("empty-room", env, ""); n != 0 {
		t.Fatalf("broadcast to missing room delivered %d", n)
	}
}

func TestRouter_SlowConsumerIsKicked(t *testing.T) {
	r := NewRouter(discardLogger(), nil)
	slow, fast := NewClient("slow", 1), NewClient("fast", 8)
	_ = r.Join("room", slow)
	_ = r.Join("room", fast)

	env := newEnvelope(v1.TypeMessageReceive, v1.MessagePayload{ID: "m"}, time.Now())
	r.Broadcast("room", env, "")
	r.Broadcast("room", env, "")

	if !slow.Closed() || slow.CloseReason() != CloseReasonSlowConsumer {
		t.Fatalf("slow consumer not kicked: closed=%v reason=%q", slow.Closed(), slow.CloseReason())
	}
	if fast.Closed() {
		t.Fatalf("fast consumer was kicked")
	}
	if got := len(drain(fast)); got != 2 {
		t.Fatalf("fast received %d, want 2", got)
	}

	// Closed clients are skipped, not re-kicked.
	if n := r.Broadcast("room", env, ""); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
}

func TestRouter_LeaveAll(t *testing.T) {
	r := NewRouter(discardLogger(), nil)
	c, other := NewClient("c", 4), NewClient("o", 4)
	for _, room := range []string{"r2", "r1", "r3"} {
		_ = r.Join(room, c)
	}
	_ = r.Join("r1", other)

	if got := r.RoomsOf("c"); !reflect.DeepEqual(got, []string{"r1", "r2", "r3"}) {
		t.Fatalf("rooms = %v", got)
	}
	if got := r.LeaveAll("c"); !reflect.DeepEqual(got, []string{"r1", "r2", "r3"}) {
		t.Fatalf("left = %v", got)
	}
	if r.RoomCount() != 1 || !r.IsMember("r1", "o") {
		t.Fatalf("rooms after leave: count=%d", r.RoomCount())
	}
	if r.Leave("r1", "c") {
		t.Fatalf("leave after LeaveAll reported membership")
	}
	if err := r.Join("r1", func() *Client { x := NewClient("x", 1); x.Close(); return x }()); err == nil {
		t.Fatalf("closed client joined")
	}
}

func TestRouter_PerRoomOrdering(t *testing.T) {
	r := NewRouter(discardLogger(), nil)
	members := []*Client{NewClient("m1", 512), NewClient("m2", 512), NewClient("m3", 512)}
	for _, m := range members {
		_ = r.Join("room", m)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				env := newEnvelope(v1.TypeMessageReceive, v1.MessagePayload{ID: strconv.Itoa(w) + "-" + strconv.Itoa(i)}, time.Now())
				r.Broadcast("room", env, "")
			}
		}(w)
	}
	wg.Wait()

	want := envelopeIDs(drain(members[0]))
	if len(want) != 400 {
		t.Fatalf("m1 received %d", len(want))
	}
	for _, m := range members[1:] {
		if got := envelopeIDs(drain(m)); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s observed a different order", m.ConnID)
		}
	}
}

func envelopeIDs(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.ID)
	}
	return out
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d denied", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatalf("fourth event inside window allowed")
	}
	if !rl.Allow(base.Add(time.Second)) {
		t.Fatalf("event after the oldest left the window denied")
	}
	if rl.Allow(base.Add(time.Second + 50*time.Millisecond)) {
		t.Fatalf("window should still be full")
	}
}

func TestTyping_Clear(t *testing.T) {
	tr := NewTyping()
	tr.Start("c", "r2", "u")
	tr.Start("c", "r1", "u")
	tr.Start("other", "r1", "v")

	if !tr.Stop("c", "r2") || tr.Stop("c", "r2") {
		t.Fatalf("stop should report only the first time")
	}
	tr.Start("c", "r2", "u")

	got := tr.Clear("c")
	want := []TypingStop{{ConversationID: "r1", UserID: "u"}, {ConversationID: "r2", UserID: "u"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("clear = %+v", got)
	}
	if len(tr.Clear("c")) != 0 || !tr.IsTyping("other", "r1") {
		t.Fatalf("clear touched other state")
	}
}
