package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// Receipts records read marks and broadcasts them to the conversation room.
// Marks are idempotent per (message, user): only the first one broadcasts.
type Receipts struct {
	log    *slog.Logger
	store  chat.Store
	router *Router
	locks  *keyedMutex
	now    func() time.Time
}

// NewReceipts constructs a tracker sharing the hub's rooms and conversation locks.
func NewReceipts(log *slog.Logger, hub *Hub, store chat.Store, now func() time.Time) *Receipts {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Receipts{log: log, store: store, router: hub.router, locks: hub.locks, now: now}
}

// ReadResult reports the outcome of MarkRead.
type ReadResult struct {
	MessageID      string
	ConversationID string
	Added          bool
	ReadAt         time.Time
}

// MarkRead appends a read mark for userID on the message. A repeated mark is
// a no-op with Added=false and no broadcast.
func (r *Receipts) MarkRead(ctx context.Context, messageID, userID, conversationID string) (ReadResult, error) {
	const op = "realtime.MarkRead"

	if strings.TrimSpace(messageID) == "" {
		return ReadResult{}, chat.Errorf(op, chat.ErrInvalidArgument, "messageId is required")
	}
	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return ReadResult{}, err
	}
	if conversationID != "" && conversationID != m.ConversationID {
		return ReadResult{}, chat.Errorf(op, chat.ErrInvalidArgument, "message does not belong to conversation %s", conversationID)
	}
	if _, err := chat.Authorize(ctx, r.store, m.ConversationID, userID); err != nil {
		return ReadResult{}, err
	}

	return r.mark(ctx, m.ConversationID, messageID, userID)
}

func (r *Receipts) mark(ctx context.Context, conversationID, messageID, userID string) (ReadResult, error) {
	unlock := r.locks.Lock(conversationID)
	defer unlock()

	now := r.now()
	added, err := r.store.AddReadEntry(ctx, messageID, chat.ReadEntry{UserID: userID, ReadAt: now})
	if err != nil {
		return ReadResult{}, err
	}
	res := ReadResult{MessageID: messageID, ConversationID: conversationID, Added: added, ReadAt: now}
	if !added {
		return res, nil
	}

	r.router.Broadcast(conversationID, newEnvelope(v1.TypeMessageReadUpdate, v1.MessageReadUpdatePayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         userID,
		ReadAt:         now,
	}, now), "")
	return res, nil
}

// ConversationReadResult reports the outcome of MarkConversationRead.
type ConversationReadResult struct {
	ConversationID string
	Marked         int
	LastReadAt     time.Time
}

// MarkConversationRead marks every message that was unread when the call
// started, then advances the participant's lastReadAt. Messages arriving
// during the call are left unread.
func (r *Receipts) MarkConversationRead(ctx context.Context, conversationID, userID string) (ConversationReadResult, error) {
	if _, err := chat.Authorize(ctx, r.store, conversationID, userID); err != nil {
		return ConversationReadResult{}, err
	}

	unread, err := r.store.UnreadMessageIDs(ctx, conversationID, userID)
	if err != nil {
		return ConversationReadResult{}, err
	}

	res := ConversationReadResult{ConversationID: conversationID}
	for _, id := range unread {
		out, err := r.mark(ctx, conversationID, id, userID)
		if chat.IsNotFound(err) {
			// Deleted with its conversation mid-batch.
			continue
		}
		if err != nil {
			return res, err
		}
		if out.Added {
			res.Marked++
		}
	}

	now := r.now()
	if err := r.store.SetParticipantLastRead(ctx, conversationID, userID, now); err != nil {
		return res, err
	}
	res.LastReadAt = now

	r.router.Broadcast(conversationID, newEnvelope(v1.TypeConversationReadUpdate, v1.ConversationReadUpdatePayload{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadAt:     now,
		Marked:         res.Marked,
	}, now), "")
	return res, nil
}
