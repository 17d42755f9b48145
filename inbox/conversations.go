package inbox

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Conversations maintains the ordered conversation list for the current
// user: most-recently-active first, at most one entry per room.
type Conversations struct {
	api    *Client
	logger *slog.Logger

	mu   sync.Mutex
	list []Conversation
}

// NewConversations creates an empty store backed by the given REST client.
func NewConversations(api *Client, logger *slog.Logger) *Conversations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversations{api: api, logger: logger}
}

// Load fetches the conversation list for userID and replaces the store
// wholesale. It returns a *FetchError when the backend call fails or the
// response envelope is unsuccessful; the previous contents are kept so the
// caller can surface a retry affordance.
func (s *Conversations) Load(ctx context.Context, userID string) error {
	convs, err := s.api.Conversations(ctx, userID)
	if err != nil {
		return err
	}

	// Server data should already be unique per room, but the invariant is
	// ours to keep.
	seen := make(map[string]bool, len(convs))
	deduped := convs[:0]
	for _, conv := range convs {
		if seen[conv.RoomID] {
			s.logger.Warn("duplicate conversation dropped", "room_id", conv.RoomID)
			continue
		}
		seen[conv.RoomID] = true
		deduped = append(deduped, conv)
	}

	s.mu.Lock()
	s.list = deduped
	s.mu.Unlock()
	return nil
}

// Touch moves the conversation with the given room id to the front.
// It is idempotent and a no-op when the room is absent: a genuinely new
// room arrives via the next Load, never synthesized locally.
func (s *Conversations) Touch(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, conv := range s.list {
		if conv.RoomID == roomID {
			copy(s.list[1:i+1], s.list[:i])
			s.list[0] = conv
			return
		}
	}
}

// Observe updates the preview of a conversation from an inbound message:
// move to front, refresh preview text and activity time, and bump the
// unread counter unless the room is currently being viewed.
func (s *Conversations) Observe(msg Message, viewing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, conv := range s.list {
		if conv.RoomID != msg.RoomID {
			continue
		}
		conv.LastMessage = msg.Body
		conv.Time = msg.CreatedAt
		if !viewing {
			conv.Unread++
		}
		copy(s.list[1:i+1], s.list[:i])
		s.list[0] = conv
		return
	}
}

// ClearUnread resets the unread counter for a room after its messages have
// been acknowledged as read.
func (s *Conversations) ClearUnread(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].RoomID == roomID {
			s.list[i].Unread = 0
			return
		}
	}
}

// All returns a copy of the conversations in their current order.
func (s *Conversations) All() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.list))
	copy(out, s.list)
	return out
}

// Get returns the conversation for a room, if present.
func (s *Conversations) Get(roomID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.list {
		if conv.RoomID == roomID {
			return conv, true
		}
	}
	return Conversation{}, false
}

// Filter returns the conversations whose counterparty display name
// contains query, case-insensitive. The underlying order is not mutated.
func (s *Conversations) Filter(query string) []Conversation {
	query = strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.list))
	for _, conv := range s.list {
		if strings.Contains(strings.ToLower(conv.Receiver.Name), query) {
			out = append(out, conv)
		}
	}
	return out
}
