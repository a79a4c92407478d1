// Package api exposes the chat REST surface.
//
// Every message mutation is routed through the realtime engine so REST and
// socket clients observe the same broadcasts.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/saad7170/chatsystem/cmd/internal/auth"
	"github.com/saad7170/chatsystem/cmd/internal/chat"
	"github.com/saad7170/chatsystem/cmd/internal/presence"
	"github.com/saad7170/chatsystem/cmd/internal/realtime"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultUserSearchLimit = 20
)

// Config controls REST limits.
type Config struct {
	MaxBodyBytes    int64
	UserSearchLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.UserSearchLimit <= 0 {
		c.UserSearchLimit = defaultUserSearchLimit
	}
	return c
}

// Handler wires HTTP endpoints to the conversation service and the realtime core.
type Handler struct {
	log *slog.Logger
	cfg Config

	auth     *auth.Resolver
	service  *chat.Service
	store    chat.Store
	hub      *realtime.Hub
	engine   *realtime.Engine
	receipts *realtime.Receipts
	presence presence.Reader
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithPresenceReader sets the durable presence source used for offline users.
// Defaults to the user store.
func WithPresenceReader(r presence.Reader) HandlerOption {
	return func(h *Handler) {
		if r != nil {
			h.presence = r
		}
	}
}

// WithConfig overrides the REST limits.
func WithConfig(cfg Config) HandlerOption {
	return func(h *Handler) {
		h.cfg = cfg.withDefaults()
	}
}

// NewHandler constructs a REST handler. A nil resolver runs in development
// mode, trusting the X-User-ID header.
func NewHandler(log *slog.Logger, resolver *auth.Resolver, service *chat.Service, hub *realtime.Hub, engine *realtime.Engine, receipts *realtime.Receipts, opts ...HandlerOption) (*Handler, error) {
	if service == nil || hub == nil || engine == nil || receipts == nil {
		return nil, errors.New("api: missing dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		resolver = &auth.Resolver{}
	}

	h := &Handler{
		log:      log,
		cfg:      Config{}.withDefaults(),
		auth:     resolver,
		service:  service,
		store:    service.Store(),
		hub:      hub,
		engine:   engine,
		receipts: receipts,
	}
	h.presence = presence.NewStoreMirror(h.store)
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the REST routes onto mux. Every route requires an acting user.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.auth.Require(fn))
	}

	route("GET /api/users", h.handleListUsers)
	route("GET /api/users/{id}", h.handleGetUser)
	route("PUT /api/users/status", h.handleSetStatus)

	route("GET /api/conversations", h.handleListConversations)
	route("POST /api/conversations", h.handleCreateConversation)
	route("GET /api/conversations/{id}", h.handleGetConversation)
	route("DELETE /api/conversations/{id}", h.handleDeleteConversation)
	route("POST /api/conversations/{id}/participants", h.handleAddParticipant)
	route("DELETE /api/conversations/{id}/participants/{userId}", h.handleRemoveParticipant)
	route("PUT /api/conversations/{id}/read", h.handleConversationRead)

	route("GET /api/conversations/{id}/messages", h.handleListMessages)
	route("POST /api/conversations/{id}/messages", h.handleSendMessage)
	route("PUT /api/messages/{id}", h.handleEditMessage)
	route("DELETE /api/messages/{id}", h.handleDeleteMessage)
	route("PUT /api/messages/{id}/read", h.handleMessageRead)
}

func actor(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

// ---- users ----

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	users, err := h.store.ListUsers(r.Context(), search, actor(r), h.cfg.UserSearchLimit)
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	out := usersResponse{Users: make([]userResponse, 0, len(users))}
	for _, u := range users {
		out.Users = append(out.Users, h.userView(r.Context(), u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.userView(r.Context(), u))
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	userID := actor(r)
	status := chat.PresenceStatus(strings.TrimSpace(req.Status))
	changed, err := h.hub.SetStatus(r.Context(), userID, status, "")
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{UserID: userID, Status: string(status), Changed: changed})
}

// userView merges the live in-process presence with the durable record.
func (h *Handler) userView(ctx context.Context, u chat.User) userResponse {
	out := userResponse{
		ID:       u.ID,
		Name:     u.Name,
		Email:    u.Email,
		Avatar:   u.Avatar,
		Status:   string(chat.StatusOffline),
		LastSeen: u.LastSeenAt,
	}

	snap := h.hub.Presence().Snapshot(u.ID)
	if snap.Online {
		out.Status = string(snap.Status)
		out.IsOnline = true
		return out
	}
	if snap.LastSeen != nil {
		out.LastSeen = snap.LastSeen
		return out
	}
	rec, ok, err := h.presence.Read(ctx, u.ID)
	if err != nil {
		h.log.Warn("api.presence.read.fail", "user_id", u.ID, "err", err)
		return out
	}
	if ok && rec.LastSeen != nil {
		out.LastSeen = rec.LastSeen
	}
	return out
}

// ---- conversations ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.service.List(r.Context(), actor(r))
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	out := conversationsResponse{Conversations: make([]conversationResponse, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, h.conversationView(r.Context(), c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	switch chat.ConversationKind(strings.TrimSpace(req.Type)) {
	case chat.KindPrivate, "":
		c, created, err := h.service.CreatePrivate(r.Context(), actor(r), req.UserID)
		if err != nil {
			writeChatError(h.log, w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
			h.log.Info("conversation.create.ok", "conversation_id", c.ID, "type", c.Kind)
		}
		writeJSON(w, status, h.conversationView(r.Context(), c))
	case chat.KindGroup:
		c, err := h.service.CreateGroup(r.Context(), actor(r), chat.CreateGroupInput{
			Name:           req.Name,
			Avatar:         req.Avatar,
			ParticipantIDs: req.ParticipantIDs,
		})
		if err != nil {
			writeChatError(h.log, w, r, err)
			return
		}
		h.log.Info("conversation.create.ok", "conversation_id", c.ID, "type", c.Kind)
		writeJSON(w, http.StatusCreated, h.conversationView(r.Context(), c))
	default:
		writeError(w, http.StatusBadRequest, chat.CodeInvalidArgument, "type must be private or group")
	}
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.conversationView(r.Context(), c))
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.Delete(r.Context(), actor(r), id); err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	h.hub.Evict(id, "")
	h.log.Info("conversation.delete.ok", "conversation_id", id, "user_id", actor(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req addParticipantRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	c, err := h.service.AddParticipant(r.Context(), actor(r), r.PathValue("id"), req.UserID)
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.conversationView(r.Context(), c))
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	id, userID := r.PathValue("id"), r.PathValue("userId")
	c, err := h.service.RemoveParticipant(r.Context(), actor(r), id, userID)
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	h.hub.Evict(id, userID)
	writeJSON(w, http.StatusOK, h.conversationView(r.Context(), c))
}

func (h *Handler) handleConversationRead(w http.ResponseWriter, r *http.Request) {
	res, err := h.receipts.MarkConversationRead(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationReadResponse{
		ConversationID: res.ConversationID,
		LastReadAt:     res.LastReadAt,
		Marked:         res.Marked,
	})
}

func (h *Handler) conversationView(ctx context.Context, c chat.Conversation) conversationResponse {
	out := conversationResponse{
		ID:            c.ID,
		Type:          string(c.Kind),
		Name:          c.Name,
		Avatar:        c.Avatar,
		CreatedBy:     c.CreatedBy,
		Participants:  make([]participantResponse, 0, len(c.Participants)),
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	profiles := h.engine.Profiles()
	for _, p := range c.Participants {
		prof, err := profiles.Resolve(ctx, p.UserID)
		if err != nil {
			h.log.Warn("api.profile.resolve.fail", "user_id", p.UserID, "err", err)
			prof = chat.Profile{ID: p.UserID}
		}
		out.Participants = append(out.Participants, participantResponse{
			User:       userSummary(prof),
			JoinedAt:   p.JoinedAt,
			LastReadAt: p.LastReadAt,
			IsAdmin:    p.IsAdmin,
		})
	}
	if c.LastMessageID != "" {
		m, err := h.store.GetMessage(ctx, c.LastMessageID)
		switch {
		case err == nil:
			payload := h.engine.Populate(ctx, m)
			out.LastMessage = &payload
		case !chat.IsNotFound(err):
			h.log.Warn("api.last_message.fail", "conversation_id", c.ID, "err", err)
		}
	}
	return out
}

// ---- messages ----

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := chat.Authorize(r.Context(), h.store, id, actor(r)); err != nil {
		writeChatError(h.log, w, r, err)
		return
	}

	q := r.URL.Query()
	page := chat.Page{Page: queryInt(q.Get("page")), Limit: queryInt(q.Get("limit"))}.Normalize()
	res, err := h.store.ListMessages(r.Context(), id, page)
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}

	out := messagesResponse{
		Messages:   make([]v1.MessagePayload, 0, len(res.Messages)),
		Pagination: pagination{Page: res.Page, Limit: res.Limit, Total: res.Total, Pages: res.Pages},
	}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, h.engine.Populate(r.Context(), m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	in := realtime.SendInput{
		ConversationID: r.PathValue("id"),
		SenderID:       actor(r),
		Content:        req.Content,
		Type:           chat.MessageType(strings.TrimSpace(req.Type)),
		ReplyTo:        strings.TrimSpace(req.ReplyTo),
		ClientMsgID:    strings.TrimSpace(req.ClientMsgID),
	}
	if req.File != nil {
		in.File = &chat.FileMeta{URL: req.File.URL, FileName: req.File.FileName, FileSize: req.File.FileSize, MimeType: req.File.MimeType}
	}

	msg, duplicate, err := h.engine.Send(r.Context(), in)
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, msg)
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	msg, err := h.engine.Edit(r.Context(), realtime.EditInput{
		MessageID: r.PathValue("id"),
		ActorID:   actor(r),
		Content:   req.Content,
	})
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Delete(r.Context(), realtime.DeleteInput{
		MessageID: r.PathValue("id"),
		ActorID:   actor(r),
	})
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleMessageRead(w http.ResponseWriter, r *http.Request) {
	res, err := h.receipts.MarkRead(r.Context(), r.PathValue("id"), actor(r), "")
	if err != nil {
		writeChatError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{
		MessageID:      res.MessageID,
		ConversationID: res.ConversationID,
		ReadAt:         res.ReadAt,
		Added:          res.Added,
	})
}

func userSummary(p chat.Profile) v1.UserSummary {
	return v1.UserSummary{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}
