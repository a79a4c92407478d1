package v1

import "time"

// Presence status values carried by user:status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

// Message kinds.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeAudio = "audio"
)

// TombstoneContent replaces the content of a deleted message.
const TombstoneContent = "This message was deleted"

// ---- client -> server payloads ----

// UserOnlinePayload binds a connection to a user.
type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

// UserStatusSetPayload requests a presence status change.
type UserStatusSetPayload struct {
	Status string `json:"status"`
}

// ConversationRefPayload is used by conversation:join / conversation:leave and their echoes.
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

// FilePayload carries attachment metadata for non-text messages.
type FilePayload struct {
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// MessageSendPayload requests sending a new message.
// ClientMsgID is an optional idempotency key scoped to the conversation.
type MessageSendPayload struct {
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	Type           string       `json:"type,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	ClientMsgID    string       `json:"clientMsgId,omitempty"`
	File           *FilePayload `json:"file,omitempty"`
}

// MessageEditPayload requests editing a message.
type MessageEditPayload struct {
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

// MessageDeletePayload requests a soft delete.
type MessageDeletePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// TypingPayload is used by typing:start / typing:stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessageReadPayload marks one message read.
type MessageReadPayload struct {
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// ConversationReadPayload marks every message of a conversation read.
type ConversationReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ---- server -> client payloads ----

// SessionReadyPayload acknowledges user:online.
type SessionReadyPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// UserSummary is the populated sender of a message.
type UserSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ReplySummary is the populated replyTo reference of a message.
type ReplySummary struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	SenderID string `json:"senderId"`
}

// ReadEntryPayload is one (user, readAt) read mark.
type ReadEntryPayload struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// MessagePayload is the fully-populated message record carried by
// message:receive and message:edited.
type MessagePayload struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	Seq            int64              `json:"seq"`
	Sender         UserSummary        `json:"sender"`
	Content        string             `json:"content"`
	Type           string             `json:"type"`
	File           *FilePayload       `json:"file,omitempty"`
	ReplyTo        *ReplySummary      `json:"replyTo,omitempty"`
	ClientMsgID    string             `json:"clientMsgId,omitempty"`
	IsEdited       bool               `json:"isEdited"`
	EditedAt       *time.Time         `json:"editedAt,omitempty"`
	DeletedAt      *time.Time         `json:"deletedAt,omitempty"`
	ReadBy         []ReadEntryPayload `json:"readBy"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// MessageDeletedPayload carries only the identifier and the tombstone.
// Receivers replace the content in place; they never remove the message.
type MessageDeletedPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// UserStatusPayload is broadcast on presence transitions.
type UserStatusPayload struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// TypingUpdatePayload relays a typing signal.
type TypingUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageReadUpdatePayload announces a new read mark.
type MessageReadUpdatePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// ConversationReadUpdatePayload announces a participant's lastReadAt.
type ConversationReadUpdatePayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	LastReadAt     time.Time `json:"lastReadAt"`
	Marked         int       `json:"marked"`
}

// ErrorPayload is a scoped error response payload.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Event     string `json:"event,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}
