package messaging

import (
	"errors"
	"log/slog"
	"net/http"

	v1 "github.com/teamflp/agri-direct-marketplace-sub003/shared/contracts/chat/v1"
)

// Authenticator resolves the calling user of a request.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// Handler wires the chat HTTP API to a Service.
type Handler struct {
	log  *slog.Logger
	svc  *Service
	auth Authenticator
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *Service, auth Authenticator) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil {
		return nil, errors.New("messaging: nil service")
	}
	if auth == nil {
		return nil, errors.New("messaging: nil authenticator")
	}
	return &Handler{log: log, svc: svc, auth: auth}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/conversations", h.handleListConversations)
	mux.HandleFunc("POST /v1/conversations", h.handleFindOrCreateConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.handleSendMessage)
	mux.HandleFunc("GET /v1/users/search", h.handleSearchUsers)
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	convs, err := h.svc.Conversations(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "conversation.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.ConversationsResponse{Conversations: convs})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	msgs, err := h.svc.Messages(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "message.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.MessagesResponse{Messages: msgs})
}

func (h *Handler) handleFindOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req v1.FindOrCreateConversationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeValidation, "invalid JSON body")
		return
	}

	id, err := h.svc.StartConversation(r.Context(), userID, req.OtherUserID)
	if err != nil {
		h.writeServiceError(w, "conversation.start.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.FindOrCreateConversationResponse{ConversationID: id})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req v1.SendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeValidation, "invalid JSON body")
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), userID, r.PathValue("id"), req.Content)
	if err != nil {
		h.writeServiceError(w, "message.send.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, v1.SendMessageResponse{Message: msg})
}

func (h *Handler) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	users, err := h.svc.SearchUsers(r.Context(), userID, r.URL.Query().Get("q"))
	if err != nil {
		h.writeServiceError(w, "user.search.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.SearchUsersResponse{Users: users})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.auth.UserID(r)
	if err != nil || userID == "" {
		writeError(w, http.StatusUnauthorized, v1.CodeUnauthorized, "missing or invalid access token")
		return "", false
	}
	return userID, true
}

// writeServiceError maps an error kind to its HTTP status and stable code.
func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	status, code := statusForError(err)

	msg := http.StatusText(status)
	var oe OpError
	if errors.As(err, &oe) && oe.Msg != "" && status < http.StatusInternalServerError {
		msg = oe.Msg
	}

	if status >= http.StatusInternalServerError {
		h.log.Error(event, "err", err)
	} else {
		h.log.Info(event, "code", code, "err", err)
	}
	writeError(w, status, code, msg)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, v1.CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, v1.CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, v1.CodeForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, v1.CodeNotFound
	default:
		return http.StatusServiceUnavailable, v1.CodeDataUnavailable
	}
}
