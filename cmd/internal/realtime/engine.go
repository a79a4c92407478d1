package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
	"github.com/saad7170/chatsystem/cmd/internal/ids"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// Engine persists message mutations and fans the result out to the room.
//
// Every mutation holds the conversation lock across persist and broadcast, so
// members see events in commit order. Persistence errors abort before any
// broadcast: clients never learn about records the store does not have.
type Engine struct {
	log      *slog.Logger
	metrics  *Metrics
	store    chat.Store
	router   *Router
	locks    *keyedMutex
	profiles *chat.ProfileResolver
	now      func() time.Time
	maxChars int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxMessageChars overrides the content length limit (runes).
func WithMaxMessageChars(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxChars = n
		}
	}
}

// NewEngine constructs an Engine that broadcasts through the hub's rooms.
func NewEngine(log *slog.Logger, hub *Hub, store chat.Store, profiles *chat.ProfileResolver, opts ...EngineOption) *Engine {
	if profiles == nil {
		profiles = chat.NewProfileResolver(store, 0)
	}
	e := &Engine{
		log:      log,
		metrics:  hub.metrics,
		store:    store,
		router:   hub.router,
		locks:    hub.locks,
		profiles: profiles,
		now:      func() time.Time { return time.Now().UTC() },
		maxChars: maxMessageChars,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Profiles returns the resolver used to populate senders.
func (e *Engine) Profiles() *chat.ProfileResolver { return e.profiles }

// SendInput is a request to send a message.
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           chat.MessageType
	ReplyTo        string
	ClientMsgID    string
	File           *chat.FileMeta
}

// Send validates, persists and broadcasts a new message as message:receive.
// A retried ClientMsgID returns the stored message with duplicate=true and
// broadcasts nothing; the caller answers the sender directly.
func (e *Engine) Send(ctx context.Context, in SendInput) (v1.MessagePayload, bool, error) {
	const op = "realtime.Send"

	if in.Type == "" {
		in.Type = chat.MessageText
	}
	if !in.Type.Valid() {
		return v1.MessagePayload{}, false, chat.Errorf(op, chat.ErrInvalidArgument, "unknown message type %q", in.Type)
	}
	content := strings.TrimSpace(in.Content)
	if in.Type == chat.MessageText && content == "" {
		return v1.MessagePayload{}, false, chat.Errorf(op, chat.ErrInvalidArgument, "content is required")
	}
	if err := e.checkLength(op, content); err != nil {
		return v1.MessagePayload{}, false, err
	}

	if _, err := chat.Authorize(ctx, e.store, in.ConversationID, in.SenderID); err != nil {
		return v1.MessagePayload{}, false, err
	}

	if in.ReplyTo != "" {
		parent, err := e.store.GetMessage(ctx, in.ReplyTo)
		if chat.IsNotFound(err) {
			return v1.MessagePayload{}, false, chat.Errorf(op, chat.ErrInvalidArgument, "replyTo message does not exist")
		}
		if err != nil {
			return v1.MessagePayload{}, false, err
		}
		if parent.ConversationID != in.ConversationID {
			return v1.MessagePayload{}, false, chat.Errorf(op, chat.ErrInvalidArgument, "replyTo message belongs to another conversation")
		}
	}

	now := e.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.MessagePayload{}, false, err
	}

	unlock := e.locks.Lock(in.ConversationID)
	defer unlock()

	stored, duplicate, err := e.store.InsertMessage(ctx, chat.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		Type:           in.Type,
		File:           in.File,
		ReplyToID:      in.ReplyTo,
		ClientMsgID:    strings.TrimSpace(in.ClientMsgID),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		e.log.Error("message.persist.fail", "conversation_id", in.ConversationID, "sender_id", in.SenderID, "err", err)
		return v1.MessagePayload{}, false, err
	}

	payload := e.Populate(ctx, stored)
	if duplicate {
		return payload, true, nil
	}

	// The message row is durable at this point; a stale lastMessage pointer
	// only affects list ordering and is corrected by the next send.
	if err := e.store.SetLastMessage(ctx, stored.ConversationID, stored.ID, stored.CreatedAt); err != nil {
		e.log.Warn("conversation.last_message.fail", "conversation_id", stored.ConversationID, "message_id", stored.ID, "err", err)
	}

	e.router.Broadcast(stored.ConversationID, newEnvelope(v1.TypeMessageReceive, payload, now), "")
	return payload, false, nil
}

// EditInput is a request to edit a message.
type EditInput struct {
	MessageID      string
	ConversationID string
	ActorID        string
	Content        string
}

// Edit replaces the content of a live message owned by the actor and
// broadcasts message:edited.
func (e *Engine) Edit(ctx context.Context, in EditInput) (v1.MessagePayload, error) {
	const op = "realtime.Edit"

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return v1.MessagePayload{}, chat.Errorf(op, chat.ErrInvalidArgument, "content is required")
	}
	if err := e.checkLength(op, content); err != nil {
		return v1.MessagePayload{}, err
	}

	unlock, err := e.lockMessage(ctx, op, in.MessageID, in.ConversationID)
	if err != nil {
		return v1.MessagePayload{}, err
	}
	defer unlock()

	now := e.now()
	updated, err := e.store.UpdateMessage(ctx, in.MessageID, func(m *chat.Message) error {
		if m.SenderID != in.ActorID {
			return chat.Errorf(op, chat.ErrUnauthorized, "only the sender can edit a message")
		}
		if m.IsDeleted() {
			return chat.Errorf(op, chat.ErrInvalidState, "message was deleted")
		}
		m.Content = content
		m.IsEdited = true
		m.EditedAt = &now
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		return v1.MessagePayload{}, err
	}

	payload := e.Populate(ctx, updated)
	e.router.Broadcast(updated.ConversationID, newEnvelope(v1.TypeMessageEdited, payload, now), "")
	return payload, nil
}

// DeleteInput is a request to delete a message.
type DeleteInput struct {
	MessageID      string
	ConversationID string
	ActorID        string
}

// Delete tombstones a message owned by the actor and broadcasts
// message:deleted. The record stays in history.
func (e *Engine) Delete(ctx context.Context, in DeleteInput) (v1.MessageDeletedPayload, error) {
	const op = "realtime.Delete"

	unlock, err := e.lockMessage(ctx, op, in.MessageID, in.ConversationID)
	if err != nil {
		return v1.MessageDeletedPayload{}, err
	}
	defer unlock()

	now := e.now()
	updated, err := e.store.UpdateMessage(ctx, in.MessageID, func(m *chat.Message) error {
		if m.SenderID != in.ActorID {
			return chat.Errorf(op, chat.ErrUnauthorized, "only the sender can delete a message")
		}
		if m.IsDeleted() {
			return chat.Errorf(op, chat.ErrInvalidState, "message already deleted")
		}
		m.Content = chat.TombstoneContent
		m.DeletedAt = &now
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		return v1.MessageDeletedPayload{}, err
	}

	payload := v1.MessageDeletedPayload{
		MessageID:      updated.ID,
		ConversationID: updated.ConversationID,
		Content:        updated.Content,
		DeletedAt:      *updated.DeletedAt,
	}
	e.router.Broadcast(updated.ConversationID, newEnvelope(v1.TypeMessageDeleted, payload, now), "")
	return payload, nil
}

// lockMessage resolves the message's conversation and takes its lock.
func (e *Engine) lockMessage(ctx context.Context, op, messageID, conversationID string) (func(), error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, chat.Errorf(op, chat.ErrInvalidArgument, "messageId is required")
	}
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if conversationID != "" && conversationID != m.ConversationID {
		return nil, chat.Errorf(op, chat.ErrInvalidArgument, "message does not belong to conversation %s", conversationID)
	}
	return e.locks.Lock(m.ConversationID), nil
}

func (e *Engine) checkLength(op, content string) error {
	if utf8.RuneCountInString(content) > e.maxChars {
		return chat.Errorf(op, chat.ErrInvalidArgument, "message too long: max=%d chars", e.maxChars)
	}
	return nil
}

// Populate renders a stored message with its sender profile and reply preview.
// Lookup failures degrade to bare ids.
func (e *Engine) Populate(ctx context.Context, m chat.Message) v1.MessagePayload {
	sender, err := e.profiles.Resolve(ctx, m.SenderID)
	if err != nil {
		e.log.Warn("message.populate.sender.fail", "message_id", m.ID, "sender_id", m.SenderID, "err", err)
		sender = chat.Profile{ID: m.SenderID}
	}

	p := v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         v1.UserSummary{ID: sender.ID, Name: sender.Name, Avatar: sender.Avatar},
		Content:        m.Content,
		Type:           string(m.Type),
		ClientMsgID:    m.ClientMsgID,
		IsEdited:       m.IsEdited,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
		ReadBy:         make([]v1.ReadEntryPayload, 0, len(m.ReadBy)),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.File != nil {
		p.File = &v1.FilePayload{
			URL:      m.File.URL,
			FileName: m.File.FileName,
			FileSize: m.File.FileSize,
			MimeType: m.File.MimeType,
		}
	}
	for _, r := range m.ReadBy {
		p.ReadBy = append(p.ReadBy, v1.ReadEntryPayload{UserID: r.UserID, ReadAt: r.ReadAt})
	}

	if m.ReplyToID != "" {
		p.ReplyTo = &v1.ReplySummary{ID: m.ReplyToID}
		parent, err := e.store.GetMessage(ctx, m.ReplyToID)
		if err == nil {
			p.ReplyTo.Content = parent.Content
			p.ReplyTo.SenderID = parent.SenderID
		} else if !chat.IsNotFound(err) {
			e.log.Warn("message.populate.reply.fail", "message_id", m.ID, "reply_to", m.ReplyToID, "err", err)
		}
	}
	return p
}
