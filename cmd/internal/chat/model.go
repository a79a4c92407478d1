package chat

import (
	"slices"
	"strings"
	"time"
)

// PresenceStatus is the coarse status of a user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	default:
		return false
	}
}

// User is the persisted profile of a chat user.
// Credentials live outside this system.
type User struct {
	ID         string
	Name       string
	Email      string
	Avatar     string
	Status     PresenceStatus
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// ConversationKind distinguishes one-to-one and group conversations.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID     string
	JoinedAt   time.Time
	LastReadAt *time.Time
	IsAdmin    bool
}

// Conversation is a persisted conversation with its participant list.
type Conversation struct {
	ID            string
	Kind          ConversationKind
	Name          string
	Avatar        string
	CreatedBy     string
	Participants  []Participant
	LastMessageID string
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userID is a participant.
func (c Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// Participant returns the participant entry for userID.
func (c Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// IsAdmin reports whether userID is an admin participant.
func (c Conversation) IsAdmin(userID string) bool {
	p, ok := c.Participant(userID)
	return ok && p.IsAdmin
}

// ParticipantIDs returns the user ids of every participant, in join order.
func (c Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.UserID)
	}
	return out
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		p.LastReadAt = cloneTime(p.LastReadAt)
		out.Participants[i] = p
	}
	out.LastMessageAt = cloneTime(c.LastMessageAt)
	return out
}

// PairKey is the order-independent identity of a private conversation between a and b.
func PairKey(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio:
		return true
	default:
		return false
	}
}

// TombstoneContent replaces the content of a deleted message.
const TombstoneContent = "This message was deleted"

// FileMeta is attachment metadata. Blob storage is external.
type FileMeta struct {
	URL      string
	FileName string
	FileSize int64
	MimeType string
}

// ReadEntry records that a user read a message at a given time.
type ReadEntry struct {
	UserID string
	ReadAt time.Time
}

// Message is a persisted chat message.
//
// Invariants:
//   - DeletedAt set => Content == TombstoneContent
//   - ReadBy holds at most one entry per user
//   - Seq is unique and monotonic within a conversation
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	Content        string
	Type           MessageType
	File           *FileMeta
	ReplyToID      string
	ClientMsgID    string
	IsEdited       bool
	EditedAt       *time.Time
	DeletedAt      *time.Time
	ReadBy         []ReadEntry
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsDeleted reports whether the message has been tombstoned.
func (m Message) IsDeleted() bool { return m.DeletedAt != nil }

// ReadByUser reports whether userID has a read entry.
func (m Message) ReadByUser(userID string) bool {
	return slices.ContainsFunc(m.ReadBy, func(r ReadEntry) bool { return r.UserID == userID })
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	out.EditedAt = cloneTime(m.EditedAt)
	out.DeletedAt = cloneTime(m.DeletedAt)
	out.ReadBy = slices.Clone(m.ReadBy)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Page describes a page request. Page is 1-based.
type Page struct {
	Page  int
	Limit int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the page request to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// MessagePage is a window of a conversation's history ordered by Seq ASC.
// Page 1 holds the newest messages.
type MessagePage struct {
	Messages []Message
	Page     int
	Limit    int
	Total    int
	Pages    int
}

func pageCount(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
