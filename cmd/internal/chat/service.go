package chat

import (
	"context"
	"strings"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/ids"
)

// Service implements conversation lifecycle rules on top of a Store.
// Message mutations live in the realtime engine so they always fan out.
type Service struct {
	store Store
	now   func() time.Time
	newID func(time.Time) (string, error)
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the service clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a conversation service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: ids.NewULID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store exposes the underlying store.
func (s *Service) Store() Store { return s.store }

// Authorize loads conversationID and checks that userID participates in it.
func Authorize(ctx context.Context, store ConversationStore, conversationID, userID string) (Conversation, error) {
	const op = "chat.Authorize"
	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, Errorf(op, ErrInvalidArgument, "conversationId is required")
	}
	c, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return Conversation{}, Errorf(op, ErrUnauthorized, "not a participant of this conversation")
	}
	return c, nil
}

// List returns the actor's conversations, most recently updated first.
func (s *Service) List(ctx context.Context, actorID string) ([]Conversation, error) {
	return s.store.ListConversationsForUser(ctx, actorID)
}

// Get returns a conversation the actor participates in.
func (s *Service) Get(ctx context.Context, actorID, conversationID string) (Conversation, error) {
	return Authorize(ctx, s.store, conversationID, actorID)
}

// CreatePrivate returns the private conversation between actor and other,
// creating it if needed. created reports whether a new row was inserted.
func (s *Service) CreatePrivate(ctx context.Context, actorID, otherID string) (Conversation, bool, error) {
	const op = "chat.CreatePrivate"
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return Conversation{}, false, Errorf(op, ErrInvalidArgument, "userId is required")
	}
	if otherID == actorID {
		return Conversation{}, false, Errorf(op, ErrInvalidArgument, "cannot start a conversation with yourself")
	}
	if _, err := s.store.GetUser(ctx, otherID); err != nil {
		return Conversation{}, false, err
	}

	if existing, err := s.store.FindPrivateConversation(ctx, actorID, otherID); err == nil {
		return existing, false, nil
	} else if !IsNotFound(err) {
		return Conversation{}, false, err
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Conversation{}, false, err
	}
	return s.store.CreateConversation(ctx, Conversation{
		ID:        id,
		Kind:      KindPrivate,
		CreatedBy: actorID,
		Participants: []Participant{
			{UserID: actorID, JoinedAt: now},
			{UserID: otherID, JoinedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// CreateGroupInput describes a group conversation request.
type CreateGroupInput struct {
	Name           string
	Avatar         string
	ParticipantIDs []string
}

// CreateGroup creates a group conversation. The actor becomes its admin.
func (s *Service) CreateGroup(ctx context.Context, actorID string, in CreateGroupInput) (Conversation, error) {
	const op = "chat.CreateGroup"
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Conversation{}, Errorf(op, ErrInvalidArgument, "group name is required")
	}

	seen := map[string]struct{}{actorID: {}}
	others := make([]string, 0, len(in.ParticipantIDs))
	for _, id := range in.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	if len(others) < 2 {
		return Conversation{}, Errorf(op, ErrInvalidArgument, "at least 2 participants required for group")
	}
	for _, id := range others {
		if _, err := s.store.GetUser(ctx, id); err != nil {
			return Conversation{}, err
		}
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Conversation{}, err
	}
	participants := make([]Participant, 0, len(others)+1)
	participants = append(participants, Participant{UserID: actorID, JoinedAt: now, IsAdmin: true})
	for _, uid := range others {
		participants = append(participants, Participant{UserID: uid, JoinedAt: now})
	}

	c, _, err := s.store.CreateConversation(ctx, Conversation{
		ID:           id,
		Kind:         KindGroup,
		Name:         name,
		Avatar:       strings.TrimSpace(in.Avatar),
		CreatedBy:    actorID,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return c, err
}

// Delete removes a conversation and its messages. Any participant may delete.
func (s *Service) Delete(ctx context.Context, actorID, conversationID string) error {
	if _, err := Authorize(ctx, s.store, conversationID, actorID); err != nil {
		return err
	}
	return s.store.DeleteConversation(ctx, conversationID)
}

// AddParticipant adds userID to a group conversation. Admins only.
func (s *Service) AddParticipant(ctx context.Context, actorID, conversationID, userID string) (Conversation, error) {
	const op = "chat.AddParticipant"
	c, err := s.requireGroupAdmin(ctx, op, actorID, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Conversation{}, Errorf(op, ErrInvalidArgument, "userId is required")
	}
	if c.HasParticipant(userID) {
		return Conversation{}, Errorf(op, ErrConflict, "user already in conversation")
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return Conversation{}, err
	}
	return s.store.AddParticipant(ctx, conversationID, Participant{UserID: userID, JoinedAt: s.now()})
}

// RemoveParticipant removes userID from a group conversation. Admins only.
func (s *Service) RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) (Conversation, error) {
	const op = "chat.RemoveParticipant"
	if _, err := s.requireGroupAdmin(ctx, op, actorID, conversationID); err != nil {
		return Conversation{}, err
	}
	return s.store.RemoveParticipant(ctx, conversationID, userID)
}

func (s *Service) requireGroupAdmin(ctx context.Context, op, actorID, conversationID string) (Conversation, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if c.Kind != KindGroup {
		return Conversation{}, Errorf(op, ErrInvalidArgument, "participants can only be managed in group conversations")
	}
	if !c.IsAdmin(actorID) {
		return Conversation{}, Errorf(op, ErrUnauthorized, "only admins can manage participants")
	}
	return c, nil
}
