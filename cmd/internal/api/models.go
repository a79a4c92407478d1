package api

import (
	"time"

	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// ---- requests ----

type setStatusRequest struct {
	Status string `json:"status"`
}

type createConversationRequest struct {
	Type           string   `json:"type"`
	UserID         string   `json:"userId,omitempty"`
	Name           string   `json:"name,omitempty"`
	Avatar         string   `json:"avatar,omitempty"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

type addParticipantRequest struct {
	UserID string `json:"userId"`
}

type sendMessageRequest struct {
	Content     string          `json:"content"`
	Type        string          `json:"type,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	File        *v1.FilePayload `json:"file,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// ---- responses ----

type userResponse struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Email    string     `json:"email,omitempty"`
	Avatar   string     `json:"avatar,omitempty"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	IsOnline bool       `json:"isOnline"`
}

type usersResponse struct {
	Users []userResponse `json:"users"`
}

type statusResponse struct {
	UserID  string `json:"userId"`
	Status  string `json:"status"`
	Changed bool   `json:"changed"`
}

type participantResponse struct {
	User       v1.UserSummary `json:"user"`
	JoinedAt   time.Time      `json:"joinedAt"`
	LastReadAt *time.Time     `json:"lastReadAt,omitempty"`
	IsAdmin    bool           `json:"isAdmin"`
}

type conversationResponse struct {
	ID            string                `json:"id"`
	Type          string                `json:"type"`
	Name          string                `json:"name,omitempty"`
	Avatar        string                `json:"avatar,omitempty"`
	CreatedBy     string                `json:"createdBy"`
	Participants  []participantResponse `json:"participants"`
	LastMessage   *v1.MessagePayload    `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time            `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type messagesResponse struct {
	Messages   []v1.MessagePayload `json:"messages"`
	Pagination pagination          `json:"pagination"`
}

type readResponse struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReadAt         time.Time `json:"readAt"`
	Added          bool      `json:"added"`
}

type conversationReadResponse struct {
	ConversationID string    `json:"conversationId"`
	LastReadAt     time.Time `json:"lastReadAt"`
	Marked         int       `json:"marked"`
}
