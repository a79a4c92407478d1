package chat

import (
	"context"
	"time"
)

// UserStore persists user profiles and their durable presence.
type UserStore interface {
	PutUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	// ListUsers returns users whose name or email contains search (case-insensitive),
	// excluding excludeID, ordered by name. limit <= 0 means no limit.
	ListUsers(ctx context.Context, search, excludeID string, limit int) ([]User, error)
	UpdateUserPresence(ctx context.Context, userID string, status PresenceStatus, lastSeen *time.Time) error
}

// ConversationStore persists conversations and their participants.
type ConversationStore interface {
	// CreateConversation inserts c. For private conversations it is idempotent
	// per unordered participant pair: created=false returns the existing row.
	CreateConversation(ctx context.Context, c Conversation) (conv Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindPrivateConversation(ctx context.Context, a, b string) (Conversation, error)
	// ListConversationsForUser returns conversations userID participates in, most recently updated first.
	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error
	AddParticipant(ctx context.Context, conversationID string, p Participant) (Conversation, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) (Conversation, error)
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	SetParticipantLastRead(ctx context.Context, conversationID, userID string, at time.Time) error
	// ListContacts returns the distinct user ids sharing at least one conversation with userID.
	ListContacts(ctx context.Context, userID string) ([]string, error)
}

// MessageStore persists messages and read entries.
//
// Requirements:
//   - Idempotency per (conversation_id, client_msg_id) when client_msg_id is set
//   - Monotonic seq per conversation (no gaps for duplicates)
//   - Per-message fetch-mutate-save for updates
type MessageStore interface {
	// InsertMessage allocates Seq and persists m. duplicate=true returns the
	// previously stored message for the same (conversation, client_msg_id).
	InsertMessage(ctx context.Context, m Message) (stored Message, duplicate bool, err error)
	GetMessage(ctx context.Context, id string) (Message, error)
	// UpdateMessage loads the message, applies mutate and saves the result atomically.
	// Only Content, IsEdited, EditedAt, DeletedAt and UpdatedAt are persisted.
	// An error from mutate aborts the update and is returned as is.
	UpdateMessage(ctx context.Context, id string, mutate func(*Message) error) (Message, error)
	ListMessages(ctx context.Context, conversationID string, page Page) (MessagePage, error)
	// AddReadEntry appends entry unless the user already has one. added reports whether it did.
	AddReadEntry(ctx context.Context, messageID string, entry ReadEntry) (added bool, err error)
	// UnreadMessageIDs returns ids of messages in the conversation not yet read
	// by userID, ordered by seq.
	UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error)
}

// Store is the full persistence boundary.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}
