package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// Session is the per-connection state seen by inbound handlers.
type Session struct {
	Client *Client
	// AuthUserID is the verified identity from the upgrade request, or "" in
	// development mode where user:online is trusted.
	AuthUserID string
}

// actor returns the user bound to the connection.
func (s *Session) actor(op string) (string, error) {
	if id := s.Client.UserID(); id != "" {
		return id, nil
	}
	return "", chat.Errorf(op, chat.ErrInvalidState, "send user:online first")
}

// claim checks a user id carried in a payload against the bound user.
// An empty claim means "the bound user".
func (s *Session) claim(op, claimed string) (string, error) {
	actor, err := s.actor(op)
	if err != nil {
		return "", err
	}
	claimed = strings.TrimSpace(claimed)
	if claimed != "" && claimed != actor {
		return "", chat.Errorf(op, chat.ErrUnauthorized, "userId does not match the connection")
	}
	return actor, nil
}

// inboundHandler handles one inbound event kind. It returns the envelopes
// addressed to the originating connection only; room and presence fan-out
// happens inside the components it calls.
type inboundHandler func(d *Dispatcher, ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error)

// handlers is the fixed inbound dispatch table.
var handlers = map[string]inboundHandler{
	v1.TypeUserOnline:        (*Dispatcher).onUserOnline,
	v1.TypeUserStatusSet:     (*Dispatcher).onUserStatusSet,
	v1.TypeConversationJoin:  (*Dispatcher).onConversationJoin,
	v1.TypeConversationLeave: (*Dispatcher).onConversationLeave,
	v1.TypeMessageSend:       (*Dispatcher).onMessageSend,
	v1.TypeMessageEdit:       (*Dispatcher).onMessageEdit,
	v1.TypeMessageDelete:     (*Dispatcher).onMessageDelete,
	v1.TypeTypingStart:       (*Dispatcher).onTypingStart,
	v1.TypeTypingStop:        (*Dispatcher).onTypingStop,
	v1.TypeMessageRead:       (*Dispatcher).onMessageRead,
	v1.TypeConversationRead:  (*Dispatcher).onConversationRead,
}

// Dispatcher routes validated inbound envelopes to the realtime components.
type Dispatcher struct {
	log      *slog.Logger
	hub      *Hub
	store    chat.Store
	engine   *Engine
	receipts *Receipts
	now      func() time.Time
}

// NewDispatcher wires a dispatcher over the given components.
func NewDispatcher(log *slog.Logger, hub *Hub, store chat.Store, engine *Engine, receipts *Receipts) *Dispatcher {
	return &Dispatcher{
		log:      log,
		hub:      hub,
		store:    store,
		engine:   engine,
		receipts: receipts,
		now:      hub.now,
	}
}

// Dispatch validates env and runs its handler. Errors come back as a scoped
// error envelope in the reply list; nothing is broadcast on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, env v1.Envelope) []v1.Envelope {
	if err := env.ValidateInbound(); err != nil {
		return []v1.Envelope{d.errorEnvelope(env, chat.Errorf("realtime.Dispatch", chat.ErrInvalidArgument, "%v", err))}
	}
	h, ok := handlers[env.Type]
	if !ok {
		return []v1.Envelope{d.errorEnvelope(env, chat.Errorf("realtime.Dispatch", chat.ErrInvalidArgument, "unsupported type: %s", env.Type))}
	}

	d.hub.metrics.Inbound.WithLabelValues(env.Type).Inc()

	replies, err := h(d, ctx, s, env)
	if err != nil {
		return []v1.Envelope{d.errorEnvelope(env, err)}
	}
	return replies
}

func (d *Dispatcher) errorEnvelope(env v1.Envelope, err error) v1.Envelope {
	code := chat.Code(err)
	d.hub.metrics.Errors.WithLabelValues(code).Inc()

	var opErr chat.OpError
	switch {
	case code == chat.CodeInternal, code == chat.CodePersistence:
		d.log.Error("ws.event.fail", "type", env.Type, "request_id", env.ID, "code", code, "err", err)
	case errors.As(err, &opErr):
		d.log.Debug("ws.event.reject", "type", env.Type, "request_id", env.ID, "code", code, "err", err)
	}

	return newEnvelope(v1.TypeError, v1.ErrorPayload{
		Code:      code,
		Message:   chat.PublicMessage(err),
		Event:     env.Type,
		RequestID: env.ID,
	}, d.now())
}

func decodeInto(op string, env v1.Envelope, dst any) error {
	if err := env.Decode(dst); err != nil {
		return chat.Errorf(op, chat.ErrInvalidArgument, "%v", err)
	}
	return nil
}

// ---- handlers ----

func (d *Dispatcher) onUserOnline(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.UserOnline"

	var p v1.UserOnlinePayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}

	userID := strings.TrimSpace(p.UserID)
	if s.AuthUserID != "" {
		if userID != "" && userID != s.AuthUserID {
			return nil, chat.Errorf(op, chat.ErrUnauthorized, "userId does not match the authenticated user")
		}
		userID = s.AuthUserID
	}
	if _, err := d.hub.Connect(ctx, s.Client, userID); err != nil {
		return nil, err
	}

	return []v1.Envelope{newEnvelope(v1.TypeSessionReady, v1.SessionReadyPayload{
		ConnectionID: s.Client.ConnID,
		UserID:       userID,
	}, d.now())}, nil
}

func (d *Dispatcher) onUserStatusSet(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.UserStatusSet"

	var p v1.UserStatusSetPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	actor, err := s.actor(op)
	if err != nil {
		return nil, err
	}
	_, err = d.hub.SetStatus(ctx, actor, chat.PresenceStatus(strings.TrimSpace(p.Status)), s.Client.ConnID)
	return nil, err
}

func (d *Dispatcher) onConversationJoin(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.ConversationJoin"

	var p v1.ConversationRefPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	actor, err := s.actor(op)
	if err != nil {
		return nil, err
	}
	conversationID := strings.TrimSpace(p.ConversationID)
	err = d.hub.JoinAuthorized(ctx, s.Client, conversationID, func(ctx context.Context) error {
		_, err := chat.Authorize(ctx, d.store, conversationID, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return []v1.Envelope{newEnvelope(v1.TypeConversationJoined, v1.ConversationRefPayload{ConversationID: conversationID}, d.now())}, nil
}

func (d *Dispatcher) onConversationLeave(_ context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.ConversationLeave"

	var p v1.ConversationRefPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	conversationID := strings.TrimSpace(p.ConversationID)
	if conversationID == "" {
		return nil, chat.Errorf(op, chat.ErrInvalidArgument, "conversationId is required")
	}
	d.hub.Leave(s.Client, conversationID)
	return []v1.Envelope{newEnvelope(v1.TypeConversationLeft, v1.ConversationRefPayload{ConversationID: conversationID}, d.now())}, nil
}

func (d *Dispatcher) onMessageSend(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.MessageSend"

	var p v1.MessageSendPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	sender, err := s.claim(op, p.SenderID)
	if err != nil {
		return nil, err
	}

	in := SendInput{
		ConversationID: strings.TrimSpace(p.ConversationID),
		SenderID:       sender,
		Content:        p.Content,
		Type:           chat.MessageType(p.Type),
		ReplyTo:        strings.TrimSpace(p.ReplyTo),
		ClientMsgID:    p.ClientMsgID,
	}
	if p.File != nil {
		in.File = &chat.FileMeta{URL: p.File.URL, FileName: p.File.FileName, FileSize: p.File.FileSize, MimeType: p.File.MimeType}
	}

	msg, duplicate, err := d.engine.Send(ctx, in)
	if err != nil {
		return nil, err
	}
	if duplicate {
		// Retry of an already committed send: answer only the sender.
		return []v1.Envelope{newEnvelope(v1.TypeMessageReceive, msg, d.now())}, nil
	}
	return nil, nil
}

func (d *Dispatcher) onMessageEdit(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.MessageEdit"

	var p v1.MessageEditPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	actor, err := s.actor(op)
	if err != nil {
		return nil, err
	}
	_, err = d.engine.Edit(ctx, EditInput{
		MessageID:      strings.TrimSpace(p.MessageID),
		ConversationID: strings.TrimSpace(p.ConversationID),
		ActorID:        actor,
		Content:        p.Content,
	})
	return nil, err
}

func (d *Dispatcher) onMessageDelete(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.MessageDelete"

	var p v1.MessageDeletePayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	actor, err := s.actor(op)
	if err != nil {
		return nil, err
	}
	_, err = d.engine.Delete(ctx, DeleteInput{
		MessageID:      strings.TrimSpace(p.MessageID),
		ConversationID: strings.TrimSpace(p.ConversationID),
		ActorID:        actor,
	})
	return nil, err
}

func (d *Dispatcher) onTypingStart(_ context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	return d.typing(s, env, true)
}

func (d *Dispatcher) onTypingStop(_ context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	return d.typing(s, env, false)
}

func (d *Dispatcher) typing(s *Session, env v1.Envelope, isTyping bool) ([]v1.Envelope, error) {
	const op = "realtime.Typing"

	var p v1.TypingPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	if _, err := s.claim(op, p.UserID); err != nil {
		return nil, err
	}
	return nil, d.hub.SetTyping(s.Client, strings.TrimSpace(p.ConversationID), isTyping)
}

func (d *Dispatcher) onMessageRead(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.MessageRead"

	var p v1.MessageReadPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	reader, err := s.claim(op, p.UserID)
	if err != nil {
		return nil, err
	}
	_, err = d.receipts.MarkRead(ctx, strings.TrimSpace(p.MessageID), reader, strings.TrimSpace(p.ConversationID))
	return nil, err
}

func (d *Dispatcher) onConversationRead(ctx context.Context, s *Session, env v1.Envelope) ([]v1.Envelope, error) {
	const op = "realtime.ConversationRead"

	var p v1.ConversationReadPayload
	if err := decodeInto(op, env, &p); err != nil {
		return nil, err
	}
	reader, err := s.claim(op, p.UserID)
	if err != nil {
		return nil, err
	}
	_, err = d.receipts.MarkConversationRead(ctx, strings.TrimSpace(p.ConversationID), reader)
	return nil, err
}
