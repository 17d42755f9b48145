package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sharplook/chatkit/inbox"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between the hub and REST handlers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		avatar TEXT,
		role TEXT NOT NULL DEFAULT 'Client',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		body TEXT NOT NULL,
		msg_type TEXT NOT NULL DEFAULT 'text',
		status TEXT NOT NULL DEFAULT 'sent',
		created_at INTEGER NOT NULL,
		seen_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *inbox.Peer) error {
	query := `
	INSERT INTO users (user_id, name, avatar, role, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		name = excluded.name,
		avatar = excluded.avatar,
		role = excluded.role,
		updated_at = excluded.updated_at`

	now := time.Now().UnixMilli()
	err := withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.ID, user.Name, user.Avatar, user.Role, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*inbox.Peer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, COALESCE(avatar, ''), role FROM users WHERE user_id = ?`, userID)

	var p inbox.Peer
	err := row.Scan(&p.ID, &p.Name, &p.Avatar, &p.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return &p, nil
}

// AppendMessage persists one message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *inbox.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("append message: missing id")
	}
	query := `
	INSERT INTO messages (id, sender_id, receiver_id, room_id, body, msg_type, status, created_at, seen_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var seenAt any
	if !msg.SeenAt.IsZero() {
		seenAt = msg.SeenAt.UnixMilli()
	}
	status := string(msg.State)
	if status == "" {
		status = string(inbox.Sent)
	}
	err := withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.SenderID, msg.ReceiverID, msg.RoomID, msg.Body,
			msg.Type, status, msg.CreatedAt.UnixMilli(), seenAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

// ListMessages returns the messages of a room in creation-time order.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string) ([]inbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, room_id, body, msg_type, status, created_at, seen_at
		FROM messages WHERE room_id = ? ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []inbox.Message
	for rows.Next() {
		var m inbox.Message
		var status string
		var createdAt int64
		var seenAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.RoomID,
			&m.Body, &m.Type, &status, &createdAt, &seenAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.State = inbox.DeliveryState(status)
		m.CreatedAt = time.UnixMilli(createdAt)
		if seenAt.Valid {
			m.SeenAt = time.UnixMilli(seenAt.Int64)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListConversations returns one summary per room the user participates in.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]inbox.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.room_id, peer.user_id, peer.name, COALESCE(peer.avatar, ''), peer.role,
		       m.body, m.created_at,
		       (SELECT COUNT(*) FROM messages u
		        WHERE u.room_id = m.room_id AND u.receiver_id = ?1 AND u.status != 'seen') AS unread
		FROM messages m
		JOIN (
			SELECT room_id, MAX(created_at) AS last_at
			FROM messages
			WHERE sender_id = ?1 OR receiver_id = ?1
			GROUP BY room_id
		) last ON last.room_id = m.room_id AND last.last_at = m.created_at
		JOIN users peer ON peer.user_id =
			CASE WHEN m.sender_id = ?1 THEN m.receiver_id ELSE m.sender_id END
		GROUP BY m.room_id
		ORDER BY m.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []inbox.Conversation
	for rows.Next() {
		var c inbox.Conversation
		var lastAt int64
		if err := rows.Scan(&c.RoomID, &c.Receiver.ID, &c.Receiver.Name,
			&c.Receiver.Avatar, &c.Receiver.Role, &c.LastMessage, &lastAt, &c.Unread); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.ID = c.RoomID
		c.Time = time.UnixMilli(lastAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRoomRead flags every message addressed to readerID in the room as
// seen and returns the affected messages.
func (s *SQLiteStore) MarkRoomRead(ctx context.Context, roomID, readerID string, at time.Time) ([]inbox.Message, error) {
	var marked []inbox.Message
	err := withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, sender_id FROM messages
			WHERE room_id = ? AND receiver_id = ? AND status != 'seen'`,
			roomID, readerID)
		if err != nil {
			return err
		}
		marked = marked[:0]
		for rows.Next() {
			m := inbox.Message{RoomID: roomID, ReceiverID: readerID, State: inbox.Seen, SeenAt: at}
			if err := rows.Scan(&m.ID, &m.SenderID); err != nil {
				_ = rows.Close()
				return err
			}
			marked = append(marked, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(marked) == 0 {
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'seen', seen_at = ?
			WHERE room_id = ? AND receiver_id = ? AND status != 'seen'`,
			at.UnixMilli(), roomID, readerID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("mark room %s read: %w", roomID, err)
	}
	return marked, nil
}

// isBusy reports SQLite concurrency errors that warrant a retry.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}

func withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}
