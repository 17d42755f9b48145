// Package store provides data persistence interfaces and implementations
// for the chat relay.
package store

import (
	"context"
	"time"

	"github.com/sharplook/chatkit/inbox"
)

// Repository defines the interface for persisting users and messages.
type Repository interface {
	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *inbox.Peer) error

	// GetUser retrieves a user by id. Returns (nil, nil) when absent.
	GetUser(ctx context.Context, userID string) (*inbox.Peer, error)

	// AppendMessage persists one message. The message must carry a
	// server-assigned id and a creation timestamp.
	AppendMessage(ctx context.Context, msg *inbox.Message) error

	// ListMessages returns the messages of a room in creation-time order.
	ListMessages(ctx context.Context, roomID string) ([]inbox.Message, error)

	// ListConversations returns one summary per room the user participates
	// in, most recent activity first, with preview text and unread count.
	ListConversations(ctx context.Context, userID string) ([]inbox.Conversation, error)

	// MarkRoomRead flags every message addressed to readerID in the room
	// as seen and returns the affected messages so callers can notify
	// their senders.
	MarkRoomRead(ctx context.Context, roomID, readerID string, at time.Time) ([]inbox.Message, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
