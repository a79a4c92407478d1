package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// room is the set of connections joined to one conversation.
// mu serializes broadcasts so every member observes the same order.
type room struct {
	mu      sync.Mutex
	members map[string]*Client
}

// Router tracks conversation rooms and fans envelopes out to their members.
//
// Lock order: Router.mu before room.mu.
type Router struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]map[string]struct{}
}

// NewRouter constructs an empty Router.
func NewRouter(log *slog.Logger, metrics *Metrics) *Router {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Router{
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]*room),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Join adds c to the conversation room, creating the room on first join.
func (r *Router) Join(conversationID string, c *Client) error {
	if c == nil || c.Closed() {
		return ErrClientClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[conversationID]
	if rm == nil {
		rm = &room{members: make(map[string]*Client)}
		r.rooms[conversationID] = rm
	}
	rm.mu.Lock()
	rm.members[c.ConnID] = c
	rm.mu.Unlock()

	joined := r.byConn[c.ConnID]
	if joined == nil {
		joined = make(map[string]struct{})
		r.byConn[c.ConnID] = joined
	}
	joined[conversationID] = struct{}{}

	r.metrics.Rooms.Set(float64(len(r.rooms)))
	return nil
}

// Leave removes the connection from one room. It reports whether it was a member.
func (r *Router) Leave(conversationID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := r.leaveLocked(conversationID, connID)
	if joined := r.byConn[connID]; joined != nil {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
	r.metrics.Rooms.Set(float64(len(r.rooms)))
	return left
}

// LeaveAll removes the connection from every room and returns the rooms it left, sorted.
func (r *Router) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.byConn[connID]
	delete(r.byConn, connID)

	out := make([]string, 0, len(joined))
	for conversationID := range joined {
		if r.leaveLocked(conversationID, connID) {
			out = append(out, conversationID)
		}
	}
	r.metrics.Rooms.Set(float64(len(r.rooms)))

	sort.Strings(out)
	return out
}

func (r *Router) leaveLocked(conversationID, connID string) bool {
	rm := r.rooms[conversationID]
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	_, ok := rm.members[connID]
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, conversationID)
	}
	return ok
}

// IsMember reports whether the connection has joined the room.
func (r *Router) IsMember(conversationID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[connID][conversationID]
	return ok
}

// Members returns the connections currently joined to the room.
func (r *Router) Members(conversationID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[conversationID]
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]*Client, 0, len(rm.members))
	for _, c := range rm.members {
		out = append(out, c)
	}
	return out
}

// RoomsOf returns the rooms the connection has joined, sorted.
func (r *Router) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RoomCount returns the number of non-empty rooms.
func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast enqueues env to every member of the room except excludeConnID
// and returns the number of connections it reached. Sends never block: a
// member whose queue is full is kicked as a slow consumer.
func (r *Router) Broadcast(conversationID string, env v1.Envelope, excludeConnID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[conversationID]
	if rm == nil {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	n := 0
	for connID, c := range rm.members {
		if connID == excludeConnID {
			continue
		}
		if deliver(r.log, r.metrics, c, env) {
			n++
		}
	}
	r.metrics.Outbound.WithLabelValues(env.Type).Add(float64(n))
	return n
}

// deliver offers env to c and records a slow-consumer kick.
func deliver(log *slog.Logger, m *Metrics, c *Client, env v1.Envelope) bool {
	ok, kicked := c.Offer(env)
	if kicked {
		m.SlowConsumerKicks.Inc()
		if log != nil {
			log.Warn("ws.slow_consumer.kick", "conn_id", c.ConnID, "user_id", c.UserID(), "type", env.Type)
		}
	}
	return ok
}
