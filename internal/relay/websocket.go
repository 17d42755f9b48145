package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sharplook/chatkit/inbox"
	"github.com/sharplook/chatkit/internal/config"
	"github.com/sharplook/chatkit/internal/store"
)

// WSHandler upgrades chat websocket connections and runs their event loop.
type WSHandler struct {
	repo   store.Repository
	hub    *Hub
	cfg    *config.Config
	logger *slog.Logger
}

// NewWSHandler creates a websocket handler for the hub.
func NewWSHandler(repo store.Repository, hub *Hub, cfg *config.Config, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{repo: repo, hub: hub, cfg: cfg, logger: logger}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	// Make sure the user exists so conversation summaries can name it.
	peer := &inbox.Peer{
		ID:     userID,
		Name:   q.Get("name"),
		Avatar: q.Get("avatar"),
		Role:   q.Get("role"),
	}
	if peer.Name == "" {
		peer.Name = userID
	}
	if peer.Role == "" {
		peer.Role = "Client"
	}
	ctx := r.Context()
	if err := h.repo.UpsertUser(ctx, peer); err != nil {
		h.logger.Error("failed to upsert user", "error", err, "user_id", userID)
		return
	}

	sess := NewSession(userID, ws, h.cfg.SendRate, h.cfg.SendBurst)
	h.hub.Register(sess)
	defer h.hub.Unregister(sess)

	h.logger.Info("chat session started", "user_id", userID, "ip", r.RemoteAddr)
	h.readLoop(ctx, sess)
	h.logger.Info("chat session ended", "user_id", userID)
}

func (h *WSHandler) readLoop(ctx context.Context, sess *Session) {
	for {
		_, data, err := sess.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("websocket closed by client", "user_id", sess.UserID)
			} else {
				h.logger.Warn("websocket read error", "error", err, "user_id", sess.UserID)
			}
			return
		}

		var env inbox.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("bad frame", "error", err, "user_id", sess.UserID)
			continue
		}

		switch env.Event {
		case inbox.EventJoinRoom:
			var p inbox.JoinRoomPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
				h.logger.Warn("bad join-room payload", "user_id", sess.UserID)
				continue
			}
			sess.Join(p.RoomID)
			h.logger.Debug("joined room", "user_id", sess.UserID, "room_id", p.RoomID)

		case inbox.EventSendMessage:
			h.handleSend(ctx, sess, env.Data)

		case inbox.EventMessagesRead:
			var p inbox.ReadPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
				h.logger.Warn("bad messagesRead payload", "user_id", sess.UserID)
				continue
			}
			p.UserID = sess.UserID
			h.hub.BroadcastRoom(p.RoomID, sess.UserID, inbox.EventMessagesRead, p)

		default:
			h.logger.Debug("ignoring unknown event", "event", env.Event, "user_id", sess.UserID)
		}
	}
}

func (h *WSHandler) handleSend(ctx context.Context, sess *Session, data json.RawMessage) {
	var msg inbox.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("bad sendMessage payload", "error", err, "user_id", sess.UserID)
		return
	}

	reject := func(reason string) {
		if err := sess.Send(inbox.EventMessageError, inbox.ErrorPayload{
			TempID: msg.TempID,
			Error:  reason,
		}); err != nil {
			h.logger.Warn("failed to send messageError", "error", err, "user_id", sess.UserID)
		}
	}

	if !sess.AllowSend() {
		reject("rate limit exceeded")
		return
	}
	if msg.RoomID == "" || msg.ReceiverID == "" || msg.Body == "" {
		reject("roomId, receiverId and message are required")
		return
	}

	persisted := inbox.Message{
		ID:         uuid.NewString(),
		SenderID:   sess.UserID,
		ReceiverID: msg.ReceiverID,
		RoomID:     msg.RoomID,
		Body:       msg.Body,
		CreatedAt:  time.Now(),
		Type:       msg.Type,
		State:      inbox.Sent,
	}
	if persisted.Type == "" {
		persisted.Type = "text"
	}

	// Delivery is per-user, not per-room: the receiver's preview must
	// update even when another room is on screen.
	online := len(h.hub.SessionsFor(msg.ReceiverID)) > 0
	if online {
		persisted.State = inbox.Delivered
	}

	if err := h.repo.AppendMessage(ctx, &persisted); err != nil {
		h.logger.Error("failed to persist message", "error", err, "user_id", sess.UserID)
		reject("failed to persist message")
		return
	}

	if err := sess.Send(inbox.EventMessageSent, inbox.SentPayload{
		TempID:  msg.TempID,
		Message: persisted,
	}); err != nil {
		h.logger.Warn("failed to send messageSent", "error", err, "user_id", sess.UserID)
	}

	if h.hub.SendToUser(msg.ReceiverID, inbox.EventNewMessage, persisted) {
		if err := sess.Send(inbox.EventMessageDelivered, inbox.DeliveredPayload{
			MessageID: persisted.ID,
			TempID:    msg.TempID,
			Status:    string(inbox.Delivered),
		}); err != nil {
			h.logger.Warn("failed to send messageDelivered", "error", err, "user_id", sess.UserID)
		}
	}
}
