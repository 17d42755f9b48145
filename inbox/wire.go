package inbox

import (
	"encoding/json"
	"time"
)

// Event names exchanged over the realtime connection. The client produces
// join-room, sendMessage and messagesRead; the server produces the rest
// (messagesRead flows both ways).
const (
	EventJoinRoom         = "join-room"
	EventSendMessage      = "sendMessage"
	EventNewMessage       = "newMessage"
	EventMessageSent      = "messageSent"
	EventMessageDelivered = "messageDelivered"
	EventMessageSeen      = "messageSeen"
	EventMessagesRead     = "messagesRead"
	EventMessageError     = "messageError"
)

// Envelope is the JSON frame carried over the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v into an envelope for the given event.
func NewEnvelope(event string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// JoinRoomPayload asks the server to route room events to this connection.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

// DeliveredPayload confirms delivery of a message to the peer's device.
type DeliveredPayload struct {
	MessageID string `json:"messageId,omitempty"`
	TempID    string `json:"tempId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// SeenPayload confirms the peer has seen a specific message.
type SeenPayload struct {
	MessageID string    `json:"messageId,omitempty"`
	TempID    string    `json:"tempId,omitempty"`
	SeenAt    time.Time `json:"seenAt,omitzero"`
}

// ReadPayload announces that userID has read everything in roomID.
type ReadPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SentPayload acknowledges a sendMessage, carrying the persisted message.
type SentPayload struct {
	TempID  string  `json:"tempId"`
	Message Message `json:"message"`
}

// ErrorPayload reports a rejected send, correlated by temp id.
type ErrorPayload struct {
	TempID string `json:"tempId"`
	Error  string `json:"error"`
}
