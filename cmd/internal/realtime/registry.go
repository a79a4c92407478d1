package realtime

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Registry errors.
var (
	ErrEmptyUserID   = errors.New("realtime: empty user id")
	ErrClientClosed  = errors.New("realtime: client closed")
	ErrAlreadyBound  = errors.New("realtime: connection already bound to another user")
	ErrUnknownClient = errors.New("realtime: unknown connection")
)

// Registry maps users to their live connections.
//
// A user is online while at least one connection is registered for them.
// Register and Unregister report the first/last transitions so callers can
// emit exactly one online and one offline signal per user.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Client
	byConn map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Client),
		byConn: make(map[string]*Client),
	}
}

// Register binds c to userID. first reports whether this is the user's first
// live connection. Registering the same pair twice is a no-op.
func (r *Registry) Register(userID string, c *Client) (first bool, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrEmptyUserID
	}
	if c == nil || c.Closed() {
		return false, ErrClientClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byConn[c.ConnID]; ok {
		if existing.UserID() == userID {
			return false, nil
		}
		return false, ErrAlreadyBound
	}

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]*Client)
		r.byUser[userID] = conns
	}
	first = len(conns) == 0
	conns[c.ConnID] = c
	r.byConn[c.ConnID] = c
	c.setUser(userID)
	return first, nil
}

// Unregister removes the connection. last reports whether the user has no
// remaining connections. ok=false means the connection was never registered.
func (r *Registry) Unregister(connID string) (userID string, last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connID]
	if !ok {
		return "", false, false
	}
	delete(r.byConn, connID)

	userID = c.UserID()
	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return userID, true, true
	}
	return userID, false, true
}

// Get returns the registered client for connID.
func (r *Registry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	return c, ok
}

// ConnectionsFor returns the live connections of userID.
func (r *Registry) ConnectionsFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the ids of all online users, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Clients returns every registered connection.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections and online users.
func (r *Registry) Count() (conns, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn), len(r.byUser)
}
