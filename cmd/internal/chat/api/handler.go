package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/notify"
	"parley/cmd/security/apikey"

	v1 "parley/shared/contracts/chat/v1"
)

// Config bounds request handling.
type Config struct {
	// MaxBodyBytes caps the JSON request body size.
	MaxBodyBytes int64
}

// DefaultConfig returns the default request bounds.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 64 << 10}
}

// Handler wires the chat HTTP endpoints to the message pipeline.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *chat.Service
	resolver notify.ActorResolver
}

// NewHandler constructs a chat Handler.
func NewHandler(log *slog.Logger, svc *chat.Service, resolver notify.ActorResolver, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if resolver == nil {
		return nil, errors.New("chatapi: nil actor resolver")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, svc: svc, resolver: resolver}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/conversations", h.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations/{id}", h.handleGetConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/participants", h.handleListParticipants)
	mux.HandleFunc("POST /v1/conversations/{id}/participants", h.handleAddParticipant)
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.handleMarkRead)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.handleCreateMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.handleListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.handleGetMessage)
	mux.HandleFunc("PATCH /v1/messages/{id}", h.handleEditMessage)
	mux.HandleFunc("DELETE /v1/messages/{id}", h.handleDeleteMessage)
	mux.HandleFunc("GET /v1/messages/{id}/history", h.handleHistory)
}

// ---- handlers ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}

	conv, err := h.svc.CreateConversation(r.Context(), req.MessageACL, req.Participants, actor, time.Now().UTC())
	if err != nil {
		h.writeChatError(w, "conversation.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	conv, err := h.svc.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeChatError(w, "conversation.get", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	parts, err := h.svc.Participants(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeChatError(w, "conversation.participants", err)
		return
	}
	writeJSON(w, http.StatusOK, participantsResponse{Participants: toParticipantResponses(parts)})
}

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	var req addParticipantRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	if err := h.svc.AddParticipant(r.Context(), r.PathValue("id"), userID); err != nil {
		h.writeChatError(w, "conversation.add_participant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message_id is required")
		return
	}

	if err := h.svc.MarkRead(r.Context(), r.PathValue("id"), req.MessageID, actor); err != nil {
		h.writeChatError(w, "conversation.mark_read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	m, err := h.svc.CreateMessage(r.Context(), chat.CreateRequest{
		ConversationID: r.PathValue("id"),
		Body:           req.Body,
		Actor:          actor,
	})
	if err != nil {
		h.writeChatError(w, "message.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: m.View()})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	in := chat.ListMessagesInput{ConversationID: r.PathValue("id")}

	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		in.Limit = n
	}
	if raw := strings.TrimSpace(q.Get("before_time")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "before_time must be RFC 3339")
			return
		}
		in.BeforeTime = &t
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "":
		// store applies the default (newest first)
	case string(chat.OrderAsc):
		in.Order = chat.OrderAsc
	case string(chat.OrderDesc):
		in.Order = chat.OrderDesc
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "order must be asc or desc")
		return
	}

	res, err := h.svc.GetMessages(r.Context(), in)
	if err != nil {
		h.writeChatError(w, "message.list", err)
		return
	}

	views := make([]v1.MessageView, 0, len(res.Messages))
	for _, m := range res.Messages {
		views = append(views, m.View())
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{
		Messages: views,
		HasMore:  res.HasMore,
	})
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	m, err := h.svc.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeChatError(w, "message.get", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m.View()})
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req editMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	m, err := h.svc.EditMessage(r.Context(), chat.EditRequest{
		MessageID: r.PathValue("id"),
		Body:      req.Body,
		Actor:     actor,
	})
	if err != nil {
		h.writeChatError(w, "message.edit", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m.View()})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	m, err := h.svc.DeleteMessage(r.Context(), chat.DeleteRequest{
		MessageID: r.PathValue("id"),
		Actor:     actor,
	})
	if err != nil {
		h.writeChatError(w, "message.delete", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m.View()})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}

	messageID := r.PathValue("id")
	hist, err := h.svc.GetHistory(r.Context(), messageID)
	if err != nil {
		h.writeChatError(w, "message.history", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		MessageID: messageID,
		History:   toHistoryEntries(hist),
	})
}

// ---- helpers ----

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	actor, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		if !errors.Is(err, apikey.ErrUnknownKey) {
			h.log.Error("chatapi.resolve.fail", "err", err)
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return "", false
	}
	return actor, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}

// writeChatError maps pipeline errors onto stable HTTP statuses.
func (h *Handler) writeChatError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
	case errors.Is(err, chat.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message_not_found", "message not found")
	case errors.Is(err, chat.ErrNotInConversation):
		writeError(w, http.StatusForbidden, "not_in_conversation", "not a participant of this conversation")
	case errors.Is(err, chat.ErrAlreadyDeleted):
		writeError(w, http.StatusConflict, "already_deleted", "message has been deleted")
	case errors.Is(err, chat.ErrMalformedMessage):
		writeError(w, http.StatusBadRequest, "malformed_message", "invalid message content")
	case errors.Is(err, chat.ErrNotSupported):
		writeError(w, http.StatusMethodNotAllowed, "not_supported", "operation not supported")
	case errors.Is(err, chat.ErrTransientStore):
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	default:
		h.log.Error("chatapi."+op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
