package inbox

import "time"

// Peer identifies the counterparty of a conversation.
type Peer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role"`
}

// Conversation is a summary entry in the inbox sidebar: one per room,
// ordered most-recently-active first.
type Conversation struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	Receiver    Peer      `json:"receiver"`
	LastMessage string    `json:"lastMessage,omitempty"`
	Time        time.Time `json:"time,omitzero"`
	Unread      int       `json:"unread,omitempty"`
}
