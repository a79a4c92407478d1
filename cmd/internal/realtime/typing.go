package realtime

import (
	"sort"
	"sync"
)

// Typing remembers which conversations each connection is typing in.
//
// The core forwards start/stop verbatim and never times indicators out. The
// state exists only so a disconnect (or leave) can emit the implicit stops.
// Peers see one indicator per user, so an implicit stop is only emitted once
// none of the user's connections is typing in the room.
type Typing struct {
	mu     sync.Mutex
	active map[string]map[string]string // connID -> conversationID -> userID
}

// NewTyping constructs an empty tracker.
func NewTyping() *Typing {
	return &Typing{active: make(map[string]map[string]string)}
}

// Start marks the connection as typing in the conversation.
func (t *Typing) Start(connID, conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms := t.active[connID]
	if rooms == nil {
		rooms = make(map[string]string)
		t.active[connID] = rooms
	}
	rooms[conversationID] = userID
}

// Stop clears the indicator. It reports whether one was active.
func (t *Typing) Stop(connID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms := t.active[connID]
	if _, ok := rooms[conversationID]; !ok {
		return false
	}
	delete(rooms, conversationID)
	if len(rooms) == 0 {
		delete(t.active, connID)
	}
	return true
}

// IsTyping reports whether the connection has an active indicator in the conversation.
func (t *Typing) IsTyping(connID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[connID][conversationID]
	return ok
}

// UserTyping reports whether any connection of userID still has an active
// indicator in the conversation.
func (t *Typing) UserTyping(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rooms := range t.active {
		if u, ok := rooms[conversationID]; ok && u == userID {
			return true
		}
	}
	return false
}

// TypingStop is one implicit stop produced by Clear.
type TypingStop struct {
	ConversationID string
	UserID         string
}

// Clear drops every indicator of the connection and returns them sorted by conversation.
func (t *Typing) Clear(connID string) []TypingStop {
	t.mu.Lock()
	rooms := t.active[connID]
	delete(t.active, connID)
	t.mu.Unlock()

	out := make([]TypingStop, 0, len(rooms))
	for conversationID, userID := range rooms {
		out = append(out, TypingStop{ConversationID: conversationID, UserID: userID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}
