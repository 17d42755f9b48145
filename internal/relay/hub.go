// Package relay implements the development chat relay: a websocket hub
// plus the REST endpoints the inbox client consumes. It mirrors the
// semantics of the production messaging backend closely enough to run and
// integration-test the client against.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sharplook/chatkit/inbox"
	"golang.org/x/time/rate"
)

// Hub tracks the connected sessions and routes events between them.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	byUser   map[string]map[*Session]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		sessions: make(map[*Session]struct{}),
		byUser:   make(map[string]map[*Session]struct{}),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
	m := h.byUser[s.UserID]
	if m == nil {
		m = make(map[*Session]struct{})
		h.byUser[s.UserID] = m
	}
	m[s] = struct{}{}
}

// Unregister removes a session from the hub.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
	if m := h.byUser[s.UserID]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
}

// SessionsFor returns the active sessions of a user.
func (h *Hub) SessionsFor(userID string) []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.byUser[userID]))
	for s := range h.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// SendToUser delivers an event to every session of a user and reports
// whether at least one session received it.
func (h *Hub) SendToUser(userID, event string, v any) bool {
	delivered := false
	for _, s := range h.SessionsFor(userID) {
		if err := s.Send(event, v); err != nil {
			h.logger.Warn("failed to deliver event", "event", event, "user_id", userID, "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}

// BroadcastRoom delivers an event to every session joined to a room,
// except sessions belonging to exceptUser.
func (h *Hub) BroadcastRoom(roomID, exceptUser, event string, v any) {
	h.mu.Lock()
	targets := make([]*Session, 0)
	for s := range h.sessions {
		if s.UserID != exceptUser && s.InRoom(roomID) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(event, v); err != nil {
			h.logger.Warn("failed to broadcast event", "event", event, "room_id", roomID, "error", err)
		}
	}
}

// Session is one websocket connection of a user. A user may hold several
// sessions (multiple tabs or devices).
type Session struct {
	UserID string

	ws      *websocket.Conn
	writeMu sync.Mutex
	lim     *rate.Limiter

	mu    sync.Mutex
	rooms map[string]bool
}

// NewSession wraps an accepted websocket connection.
func NewSession(userID string, ws *websocket.Conn, sendRate float64, sendBurst int) *Session {
	return &Session{
		UserID: userID,
		ws:     ws,
		lim:    rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		rooms:  make(map[string]bool),
	}
}

// Join associates the session with a room.
func (s *Session) Join(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = true
}

// InRoom reports whether the session has joined a room.
func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

// AllowSend consumes one token from the per-session send limiter.
func (s *Session) AllowSend() bool {
	return s.lim.Allow()
}

// Send writes one event frame to the session.
func (s *Session) Send(event string, v any) error {
	env, err := inbox.NewEnvelope(event, v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.Write(ctx, websocket.MessageText, data)
}
