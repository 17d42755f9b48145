package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sharplook/chatkit/inbox"
	"github.com/sharplook/chatkit/internal/store"
)

// Handler serves the chat REST API. The hub lets read marks notify the
// senders of freshly seen messages.
type Handler struct {
	repo   store.Repository
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a REST handler.
func NewHandler(repo store.Repository, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, hub: hub, logger: logger}
}

// RegisterRoutes registers the message routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/messages", func(r chi.Router) {
		r.Get("/chats/{userID}", h.ListChats)
		r.Get("/{roomID}", h.History)
		r.Patch("/{roomID}/read", h.MarkRead)
	})
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON writes a success envelope with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		http.Error(w, `{"success":false,"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes an error envelope.
func Error(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// ListChats returns the conversation list with preview data for a user.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	JSON(w, http.StatusOK, convs)
}

// History returns the message history for a room.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	msgs, err := h.repo.ListMessages(r.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to list messages", "error", err, "room_id", roomID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	JSON(w, http.StatusOK, msgs)
}

// MarkRead flags the caller's inbound messages in a room as seen.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	at := time.Now()
	marked, err := h.repo.MarkRoomRead(r.Context(), roomID, userID, at)
	if err != nil {
		h.logger.Error("failed to mark room read", "error", err, "room_id", roomID)
		Error(w, http.StatusInternalServerError, "failed to mark room read")
		return
	}

	// Tell each sender their message was just seen.
	for _, m := range marked {
		h.hub.SendToUser(m.SenderID, inbox.EventMessageSeen, inbox.SeenPayload{
			MessageID: m.ID,
			SeenAt:    at,
		})
	}

	h.logger.Debug("room marked read", "room_id", roomID, "user_id", userID, "messages", len(marked))
	JSON(w, http.StatusOK, map[string]int{"updated": len(marked)})
}
