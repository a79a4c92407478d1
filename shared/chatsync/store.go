// Package chatsync is the client-side synchronization store for the chat
// realtime protocol v1.
//
// A Store reconciles REST snapshots with live server events. Messages are
// keyed by id and ordered by their per-conversation sequence number, so a
// snapshot and the live stream can be applied in any order and still converge.
// Deleted messages stay in place with tombstone content.
package chatsync

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// TypingTimeout clears a typing indicator that saw no new signal.
const TypingTimeout = 2 * time.Second

// ErrUnknownEvent is returned by Apply for envelopes that are not server events.
var ErrUnknownEvent = errors.New("chatsync: unknown event")

// ServerError is returned by Apply for error envelopes.
type ServerError struct {
	v1.ErrorPayload
}

func (e *ServerError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Event, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Presence is the last known status of a user.
type Presence struct {
	Status   string
	LastSeen *time.Time
}

// Change describes what an applied event touched, for re-rendering.
type Change struct {
	Type           string
	ConversationID string
	MessageID      string
	UserID         string
}

type transcript struct {
	msgs []v1.MessagePayload
	pos  map[string]int
}

// Store holds the client view of conversations, presence and typing state.
// It is safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	selfID string
	connID string

	transcripts map[string]*transcript
	// messageConv indexes message id -> conversation id.
	messageConv map[string]string
	// tombstones holds deletes observed before the message itself.
	tombstones map[string]time.Time

	presence map[string]Presence
	typing   map[string]map[string]time.Time
	lastRead map[string]map[string]time.Time
	joined   map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for typing expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store for the signed-in user selfID.
func New(selfID string, opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		selfID:      selfID,
		transcripts: make(map[string]*transcript),
		messageConv: make(map[string]string),
		tombstones:  make(map[string]time.Time),
		presence:    make(map[string]Presence),
		typing:      make(map[string]map[string]time.Time),
		lastRead:    make(map[string]map[string]time.Time),
		joined:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ---- snapshots ----

// LoadMessages merges a REST page of conversationID into the transcript.
// Pages may arrive before, after or interleaved with live events.
func (s *Store) LoadMessages(conversationID string, page []v1.MessagePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range page {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		s.upsert(m)
	}
}

// LoadPresence records a user's status from a REST snapshot.
func (s *Store) LoadPresence(userID, status string, lastSeen *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = Presence{Status: status, LastSeen: cloneTime(lastSeen)}
}

// LoadLastRead records a participant's lastReadAt from a REST snapshot.
// An older value never overwrites a newer one.
func (s *Store) LoadLastRead(conversationID, userID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLastRead(conversationID, userID, at)
}

// Forget drops everything known about a conversation, e.g. after it was
// deleted or the user was removed from it.
func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.transcripts[conversationID]; ok {
		for _, m := range t.msgs {
			delete(s.messageConv, m.ID)
		}
	}
	delete(s.transcripts, conversationID)
	delete(s.typing, conversationID)
	delete(s.lastRead, conversationID)
	delete(s.joined, conversationID)
}

// ---- live events ----

// Apply folds one server event into the store.
func (s *Store) Apply(env v1.Envelope) (Change, error) {
	if err := env.Validate(); err != nil {
		return Change{}, err
	}
	ch := Change{Type: env.Type}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Type {
	case v1.TypeSessionReady:
		var p v1.SessionReadyPayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		s.connID = p.ConnectionID
		if p.UserID != "" {
			s.selfID = p.UserID
		}
		ch.UserID = p.UserID

	case v1.TypeConversationJoined, v1.TypeConversationLeft:
		var p v1.ConversationRefPayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		ch.ConversationID = p.ConversationID
		if env.Type == v1.TypeConversationJoined {
			s.joined[p.ConversationID] = struct{}{}
		} else {
			delete(s.joined, p.ConversationID)
			delete(s.typing, p.ConversationID)
		}

	case v1.TypeMessageReceive, v1.TypeMessageEdited:
		var p v1.MessagePayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		ch.ConversationID, ch.MessageID, ch.UserID = p.ConversationID, p.ID, p.Sender.ID
		s.upsert(p)
		if env.Type == v1.TypeMessageReceive {
			// A sent message ends the sender's typing burst.
			s.clearTyping(p.ConversationID, p.Sender.ID)
		}

	case v1.TypeMessageDeleted:
		var p v1.MessageDeletedPayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		ch.ConversationID, ch.MessageID = p.ConversationID, p.MessageID
		s.tombstone(p.MessageID, p.DeletedAt)

	case v1.TypeUserStatus:
		var p v1.UserStatusPayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		ch.UserID = p.UserID
		prev := s.presence[p.UserID]
		next := Presence{Status: p.Status, LastSeen: cloneTime(p.LastSeen)}
		if next.LastSeen == nil {
			next.LastSeen = prev.LastSeen
		}
		s.presence[p.UserID] = next
		if p.Status == v1.StatusOffline {
			for conversationID := range s.typing {
				s.clearTyping(conversationID, p.UserID)
			}
		}

	case v1.TypeTypingUpdate:
		var p v1.TypingUpdatePayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		ch.ConversationID, ch.UserID = p.ConversationID, p.UserID
		if p.UserID == s.selfID {
			break
		}
		if p.IsTyping {
			users := s.typing[p.ConversationID]
			if users == nil {
				users = make(map[string]time.Time)
				s.typing[p.ConversationID] = users
			}
			users[p.UserID] = s.now()
		} else {
			s.clearTyping(p.ConversationID, p.UserID)
		}

	case v1.TypeMessageReadUpdate:
		var p v1.MessageReadUpdatePayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		ch.ConversationID, ch.MessageID, ch.UserID = p.ConversationID, p.MessageID, p.UserID
		if m := s.lookup(p.MessageID); m != nil {
			m.ReadBy = mergeReads(m.ReadBy, []v1.ReadEntryPayload{{UserID: p.UserID, ReadAt: p.ReadAt}})
		}

	case v1.TypeConversationReadUpdate:
		var p v1.ConversationReadUpdatePayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		ch.ConversationID, ch.UserID = p.ConversationID, p.UserID
		s.setLastRead(p.ConversationID, p.UserID, p.LastReadAt)

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return ch, err
		}
		return ch, &ServerError{ErrorPayload: p}

	default:
		return ch, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return ch, nil
}

// ---- queries ----

// ConnectionID returns the id acknowledged by session:ready.
func (s *Store) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Joined reports whether the server acknowledged a join of conversationID.
func (s *Store) Joined(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[conversationID]
	return ok
}

// Messages returns a copy of the transcript in sequence order.
func (s *Store) Messages(conversationID string) []v1.MessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transcripts[conversationID]
	if t == nil {
		return nil
	}
	out := make([]v1.MessagePayload, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

// Message returns one message by id.
func (s *Store) Message(id string) (v1.MessagePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.lookup(id)
	if m == nil {
		return v1.MessagePayload{}, false
	}
	return cloneMessage(*m), true
}

// Unread counts messages from other users the signed-in user has not read.
// Tombstones never count.
func (s *Store) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.transcripts[conversationID]
	if t == nil {
		return 0
	}
	n := 0
	for _, m := range t.msgs {
		if m.DeletedAt != nil || m.Sender.ID == s.selfID {
			continue
		}
		if !slices.ContainsFunc(m.ReadBy, func(r v1.ReadEntryPayload) bool { return r.UserID == s.selfID }) {
			n++
		}
	}
	return n
}

// LastReadAt returns a participant's last conversation-wide read mark.
func (s *Store) LastReadAt(conversationID, userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRead[conversationID][userID]
	return at, ok
}

// Presence returns the last known status of userID.
func (s *Store) Presence(userID string) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	if ok {
		p.LastSeen = cloneTime(p.LastSeen)
	}
	return p, ok
}

// IsOnline reports whether userID has a live connection. Away users are
// connected and count as online.
func (s *Store) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isOnline(s.presence[userID].Status)
}

// OnlineUsers returns the sorted ids of users with a live connection.
func (s *Store) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, p := range s.presence {
		if isOnline(p.Status) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// TypingUsers returns the sorted ids of users currently typing in
// conversationID. Indicators older than TypingTimeout are dropped.
func (s *Store) TypingUsers(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.typing[conversationID]
	now := s.now()
	var out []string
	for id, at := range users {
		if now.Sub(at) >= TypingTimeout {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(s.typing, conversationID)
	}
	sort.Strings(out)
	return out
}

// ---- internals (s.mu held) ----

func (s *Store) upsert(m v1.MessagePayload) {
	if m.ID == "" || m.ConversationID == "" {
		return
	}
	if at, ok := s.tombstones[m.ID]; ok && m.DeletedAt == nil {
		applyTombstone(&m, at)
	}
	delete(s.tombstones, m.ID)

	t := s.transcripts[m.ConversationID]
	if t == nil {
		t = &transcript{pos: make(map[string]int)}
		s.transcripts[m.ConversationID] = t
	}

	if i, ok := t.pos[m.ID]; ok {
		t.msgs[i] = mergeMessage(t.msgs[i], m)
		return
	}

	m = cloneMessage(m)
	i := len(t.msgs)
	if m.Seq > 0 {
		i = sort.Search(len(t.msgs), func(j int) bool {
			return t.msgs[j].Seq > m.Seq || t.msgs[j].Seq == 0
		})
	}
	t.msgs = slices.Insert(t.msgs, i, m)
	for j := i; j < len(t.msgs); j++ {
		t.pos[t.msgs[j].ID] = j
	}
	s.messageConv[m.ID] = m.ConversationID
}

func (s *Store) lookup(id string) *v1.MessagePayload {
	t := s.transcripts[s.messageConv[id]]
	if t == nil {
		return nil
	}
	i, ok := t.pos[id]
	if !ok {
		return nil
	}
	return &t.msgs[i]
}

func (s *Store) tombstone(id string, at time.Time) {
	if m := s.lookup(id); m != nil {
		if m.DeletedAt == nil {
			applyTombstone(m, at)
		}
		return
	}
	s.tombstones[id] = at
}

func (s *Store) clearTyping(conversationID, userID string) {
	users := s.typing[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(s.typing, conversationID)
	}
}

func (s *Store) setLastRead(conversationID, userID string, at time.Time) {
	users := s.lastRead[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		s.lastRead[conversationID] = users
	}
	if prev, ok := users[userID]; ok && prev.After(at) {
		return
	}
	users[userID] = at
}

// mergeMessage reconciles two versions of the same message. A tombstone is
// final; otherwise the later update wins. Read marks are unioned.
func mergeMessage(cur, in v1.MessagePayload) v1.MessagePayload {
	reads := mergeReads(cur.ReadBy, in.ReadBy)

	var out v1.MessagePayload
	switch {
	case cur.DeletedAt != nil:
		out = cur
	case in.DeletedAt != nil:
		out = cloneMessage(in)
	case in.UpdatedAt.Before(cur.UpdatedAt):
		out = cur
	default:
		out = cloneMessage(in)
	}
	if out.Seq == 0 {
		out.Seq = cur.Seq
	}
	out.ReadBy = reads
	return out
}

// mergeReads unions read marks by user, keeping the earliest readAt.
func mergeReads(a, b []v1.ReadEntryPayload) []v1.ReadEntryPayload {
	out := slices.Clone(a)
	for _, r := range b {
		i := slices.IndexFunc(out, func(e v1.ReadEntryPayload) bool { return e.UserID == r.UserID })
		switch {
		case i < 0:
			out = append(out, r)
		case r.ReadAt.Before(out[i].ReadAt):
			out[i].ReadAt = r.ReadAt
		}
	}
	slices.SortStableFunc(out, func(x, y v1.ReadEntryPayload) int { return x.ReadAt.Compare(y.ReadAt) })
	if out == nil {
		out = []v1.ReadEntryPayload{}
	}
	return out
}

func applyTombstone(m *v1.MessagePayload, at time.Time) {
	m.Content = v1.TombstoneContent
	m.File = nil
	m.DeletedAt = &at
}

func cloneMessage(m v1.MessagePayload) v1.MessagePayload {
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.ReadBy == nil {
		m.ReadBy = []v1.ReadEntryPayload{}
	}
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	m.EditedAt = cloneTime(m.EditedAt)
	m.DeletedAt = cloneTime(m.DeletedAt)
	return m
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func isOnline(status string) bool {
	return status == v1.StatusOnline || status == v1.StatusAway
}
