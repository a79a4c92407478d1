package chat

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev/test Store used when no database is configured.
// Every mutation is applied under a single lock, so each write is a
// fetch-mutate-save on a consistent snapshot.
type InMemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	users map[string]User
	convs map[string]*Conversation
	pairs map[string]string // pair key -> conversation id
	msgs  map[string]*Message
	byCnv map[string]*memConv
}

type memConv struct {
	seq    int64
	dedupe map[string]string // client_msg_id -> message id
	ids    []string          // ordered by seq
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryClock overrides the clock used for UpdatedAt stamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		users: make(map[string]User),
		convs: make(map[string]*Conversation),
		pairs: make(map[string]string),
		msgs:  make(map[string]*Message),
		byCnv: make(map[string]*memConv),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ---- users ----

func (s *InMemoryStore) PutUser(ctx context.Context, u User) (User, error) {
	const op = "chat.PutUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return User{}, Errorf(op, ErrInvalidArgument, "user id is required")
	}
	if u.Status == "" {
		u.Status = StatusOffline
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	u.LastSeenAt = cloneTime(u.LastSeenAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, Errorf("chat.GetUser", ErrNotFound, "user not found")
	}
	u.LastSeenAt = cloneTime(u.LastSeenAt)
	return u, nil
}

func (s *InMemoryStore) ListUsers(ctx context.Context, search, excludeID string, limit int) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(search))

	s.mu.Lock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.ID == excludeID {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(u.Name), needle) &&
			!strings.Contains(strings.ToLower(u.Email), needle) {
			continue
		}
		u.LastSeenAt = cloneTime(u.LastSeenAt)
		out = append(out, u)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateUserPresence(ctx context.Context, userID string, status PresenceStatus, lastSeen *time.Time) error {
	const op = "chat.UpdateUserPresence"
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return Errorf(op, ErrInvalidArgument, "invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return Errorf(op, ErrNotFound, "user not found")
	}
	u.Status = status
	if lastSeen != nil {
		u.LastSeenAt = cloneTime(lastSeen)
	}
	s.users[userID] = u
	return nil
}

// ---- conversations ----

func (s *InMemoryStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, bool, error) {
	const op = "chat.CreateConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if strings.TrimSpace(c.ID) == "" {
		return Conversation{}, false, Errorf(op, ErrInvalidArgument, "conversation id is required")
	}
	var pair string
	switch c.Kind {
	case KindPrivate:
		if len(c.Participants) != 2 {
			return Conversation{}, false, Errorf(op, ErrInvalidArgument, "private conversation needs exactly two participants")
		}
		pair = PairKey(c.Participants[0].UserID, c.Participants[1].UserID)
	case KindGroup:
	default:
		return Conversation{}, false, Errorf(op, ErrInvalidArgument, "invalid conversation kind %q", c.Kind)
	}

	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pair != "" {
		if id, ok := s.pairs[pair]; ok {
			return s.convs[id].Clone(), false, nil
		}
	}
	if _, ok := s.convs[c.ID]; ok {
		return Conversation{}, false, Errorf(op, ErrConflict, "conversation already exists")
	}
	cp := c.Clone()
	s.convs[c.ID] = &cp
	if pair != "" {
		s.pairs[pair] = c.ID
	}
	s.byCnv[c.ID] = &memConv{dedupe: make(map[string]string)}
	return cp.Clone(), true, nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, Errorf("chat.GetConversation", ErrNotFound, "conversation not found")
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) FindPrivateConversation(ctx context.Context, a, b string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairs[PairKey(a, b)]
	if !ok {
		return Conversation{}, Errorf("chat.FindPrivateConversation", ErrNotFound, "conversation not found")
	}
	return s.convs[id].Clone(), nil
}

func (s *InMemoryStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Errorf("chat.DeleteConversation", ErrNotFound, "conversation not found")
	}
	if c.Kind == KindPrivate && len(c.Participants) == 2 {
		delete(s.pairs, PairKey(c.Participants[0].UserID, c.Participants[1].UserID))
	}
	if mc := s.byCnv[id]; mc != nil {
		for _, mid := range mc.ids {
			delete(s.msgs, mid)
		}
	}
	delete(s.byCnv, id)
	delete(s.convs, id)
	return nil
}

func (s *InMemoryStore) AddParticipant(ctx context.Context, conversationID string, p Participant) (Conversation, error) {
	const op = "chat.AddParticipant"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if strings.TrimSpace(p.UserID) == "" {
		return Conversation{}, Errorf(op, ErrInvalidArgument, "user id is required")
	}
	now := s.now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, Errorf(op, ErrNotFound, "conversation not found")
	}
	if c.HasParticipant(p.UserID) {
		return Conversation{}, Errorf(op, ErrConflict, "user is already a participant")
	}
	p.LastReadAt = cloneTime(p.LastReadAt)
	c.Participants = append(c.Participants, p)
	c.UpdatedAt = now
	return c.Clone(), nil
}

func (s *InMemoryStore) RemoveParticipant(ctx context.Context, conversationID, userID string) (Conversation, error) {
	const op = "chat.RemoveParticipant"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, Errorf(op, ErrNotFound, "conversation not found")
	}
	idx := slices.IndexFunc(c.Participants, func(p Participant) bool { return p.UserID == userID })
	if idx < 0 {
		return Conversation{}, Errorf(op, ErrNotFound, "user is not a participant")
	}
	c.Participants = slices.Delete(c.Participants, idx, idx+1)
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

func (s *InMemoryStore) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return Errorf("chat.SetLastMessage", ErrNotFound, "conversation not found")
	}
	c.LastMessageID = messageID
	c.LastMessageAt = &at
	c.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) SetParticipantLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	const op = "chat.SetParticipantLastRead"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return Errorf(op, ErrNotFound, "conversation not found")
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].LastReadAt = &at
			return nil
		}
	}
	return Errorf(op, ErrNotFound, "user is not a participant")
}

func (s *InMemoryStore) ListContacts(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	s.mu.Lock()
	for _, c := range s.convs {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, p := range c.Participants {
			if p.UserID != userID {
				seen[p.UserID] = struct{}{}
			}
		}
	}
	s.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ---- messages ----

func (s *InMemoryStore) InsertMessage(ctx context.Context, m Message) (Message, bool, error) {
	const op = "chat.InsertMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return Message{}, false, Errorf(op, ErrInvalidArgument, "id, conversation and sender are required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.byCnv[m.ConversationID]
	if !ok {
		return Message{}, false, Errorf(op, ErrNotFound, "conversation not found")
	}
	if m.ClientMsgID != "" {
		if id, ok := mc.dedupe[m.ClientMsgID]; ok {
			return s.msgs[id].Clone(), true, nil
		}
	}
	if _, ok := s.msgs[m.ID]; ok {
		return Message{}, false, Errorf(op, ErrConflict, "message already exists")
	}

	mc.seq++
	m.Seq = mc.seq
	cp := m.Clone()
	s.msgs[m.ID] = &cp
	mc.ids = append(mc.ids, m.ID)
	if m.ClientMsgID != "" {
		mc.dedupe[m.ClientMsgID] = m.ID
	}
	return cp.Clone(), false, nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, Errorf("chat.GetMessage", ErrNotFound, "message not found")
	}
	return m.Clone(), nil
}

func (s *InMemoryStore) UpdateMessage(ctx context.Context, id string, mutate func(*Message) error) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.msgs[id]
	if !ok {
		return Message{}, Errorf("chat.UpdateMessage", ErrNotFound, "message not found")
	}
	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return Message{}, err
	}
	cur.Content = next.Content
	cur.IsEdited = next.IsEdited
	cur.EditedAt = cloneTime(next.EditedAt)
	cur.DeletedAt = cloneTime(next.DeletedAt)
	cur.UpdatedAt = next.UpdatedAt
	return cur.Clone(), nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, page Page) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	page = page.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.byCnv[conversationID]
	if !ok {
		return MessagePage{}, Errorf("chat.ListMessages", ErrNotFound, "conversation not found")
	}

	total := len(mc.ids)
	out := MessagePage{Page: page.Page, Limit: page.Limit, Total: total, Pages: pageCount(total, page.Limit)}

	end := total - (page.Page-1)*page.Limit
	if end <= 0 {
		return out, nil
	}
	start := end - page.Limit
	if start < 0 {
		start = 0
	}
	out.Messages = make([]Message, 0, end-start)
	for _, id := range mc.ids[start:end] {
		out.Messages = append(out.Messages, s.msgs[id].Clone())
	}
	return out, nil
}

func (s *InMemoryStore) AddReadEntry(ctx context.Context, messageID string, entry ReadEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return false, Errorf("chat.AddReadEntry", ErrNotFound, "message not found")
	}
	if m.ReadByUser(entry.UserID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, entry)
	return true, nil
}

func (s *InMemoryStore) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.byCnv[conversationID]
	if !ok {
		return nil, Errorf("chat.UnreadMessageIDs", ErrNotFound, "conversation not found")
	}
	out := make([]string, 0, 16)
	for _, id := range mc.ids {
		if !s.msgs[id].ReadByUser(userID) {
			out = append(out, id)
		}
	}
	return out, nil
}

var _ Store = (*InMemoryStore)(nil)
