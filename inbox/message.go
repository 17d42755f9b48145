// Package inbox implements the client side of the SharpLook chat system:
// a realtime connection manager, the ordered conversation list, and the
// per-room message timeline with optimistic sends, delivery reconciliation
// and read receipts.
package inbox

import (
	"time"
)

// DeliveryState tracks how far a message has progressed toward the peer.
//
// A message moves Composing -> Sending -> Sent -> Delivered -> Seen, or
// drops to Failed when the server rejects it. Failed messages only leave
// that state through an explicit Retry.
type DeliveryState string

const (
	// Composing is the pre-submit state owned by the input surface.
	// Messages enter the timeline already in Sending.
	Composing DeliveryState = "composing"
	Sending   DeliveryState = "sending"
	Sent      DeliveryState = "sent"
	Delivered DeliveryState = "delivered"
	Seen      DeliveryState = "seen"
	Failed    DeliveryState = "failed"
)

// rank orders delivery states by progress. Failed ranks lowest so a server
// confirmation arriving after a local failure wins.
func (s DeliveryState) rank() int {
	switch s {
	case Sending:
		return 1
	case Sent:
		return 2
	case Delivered:
		return 3
	case Seen:
		return 4
	default:
		return 0
	}
}

// Message is a single chat message. Before the server confirms a send only
// TempID is set; once confirmed ID carries the server-assigned identity and
// TempID is kept for correlation.
type Message struct {
	ID         string        `json:"id,omitempty"`
	TempID     string        `json:"tempId,omitempty"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	RoomID     string        `json:"roomId"`
	Body       string        `json:"message"`
	CreatedAt  time.Time     `json:"createdAt"`
	Type       string        `json:"type"`
	State      DeliveryState `json:"status,omitempty"`
	SeenAt     time.Time     `json:"seenAt,omitzero"`

	// ErrorMessage holds the server rejection reason for Failed messages.
	// Local only, never sent on the wire.
	ErrorMessage string `json:"-"`
}

// Key returns the stable identity of the message: the server id once
// assigned, the correlation id before that.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Matches reports whether the message is identified by the given server id
// or correlation id.
func (m *Message) Matches(id, tempID string) bool {
	if id != "" && m.ID == id {
		return true
	}
	return tempID != "" && m.TempID == tempID
}

// OutboundFrom reports whether the message was sent by the given user.
func (m *Message) OutboundFrom(userID string) bool {
	return m.SenderID == userID
}
