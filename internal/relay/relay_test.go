package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sharplook/chatkit/inbox"
	"github.com/sharplook/chatkit/internal/config"
	"github.com/sharplook/chatkit/internal/store"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newRelayServer boots the full relay (sqlite store, hub, REST routes,
// websocket endpoint) on an httptest listener.
func newRelayServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{SendRate: 100, SendBurst: 100}
	}

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	logger := quietLogger()
	hub := NewHub(logger)
	r := chi.NewRouter()
	NewHandler(repo, hub, logger).RegisterRoutes(r)
	r.Get("/ws/chat", NewWSHandler(repo, hub, cfg, logger).ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type relayClient struct {
	conn *inbox.Conn
	tl   *inbox.Timeline
	api  *inbox.Client
}

// newRelayClient connects a full inbox client (websocket plus REST) for one
// user against the relay server.
func newRelayClient(t *testing.T, srv *httptest.Server, userID, name string) *relayClient {
	t.Helper()

	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/ws/chat"
	conn := inbox.NewConn(inbox.ConnConfig{
		URL:         wsURL,
		UserID:      userID,
		Params:      url.Values{"name": {name}},
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		DialTimeout: 5 * time.Second,
		Logger:      quietLogger(),
	})

	api := inbox.NewClient(srv.URL, "")
	convs := inbox.NewConversations(api, quietLogger())
	tl := inbox.NewTimeline(conn, api, convs, inbox.TimelineConfig{
		SelfID:       userID,
		ReadAckDelay: 50 * time.Millisecond,
		Logger:       quietLogger(),
	})
	t.Cleanup(func() {
		tl.Close()
		conn.Disconnect()
	})

	conn.Connect()
	waitFor(t, 5*time.Second, func() bool { return conn.State() == inbox.Connected }, userID+" connected")
	return &relayClient{conn: conn, tl: tl, api: api}
}

func (c *relayClient) open(t *testing.T, roomID, peerID, peerName string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.tl.Select(ctx, inbox.Conversation{
		ID:       roomID,
		RoomID:   roomID,
		Receiver: inbox.Peer{ID: peerID, Name: peerName},
	})
	if err != nil {
		t.Fatalf("Select(%s) failed: %v", roomID, err)
	}
}

func TestRelayEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newRelayServer(t, nil)
	alice := newRelayClient(t, srv, "alice", "Alice")
	bob := newRelayClient(t, srv, "bob", "Bob")

	alice.open(t, "r-ab", "bob", "Bob")
	bob.open(t, "r-ab", "alice", "Alice")

	sent, err := alice.tl.Send("hello bob")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent.State != inbox.Sending {
		t.Fatalf("expected optimistic Sending, got %s", sent.State)
	}

	// Bob is online and in the room, so the relay acks, delivers and lets
	// bob's read receipt flow back.
	waitFor(t, 5*time.Second, func() bool {
		msgs := bob.tl.Messages()
		return len(msgs) == 1 && msgs[0].Body == "hello bob"
	}, "delivery to bob")

	waitFor(t, 5*time.Second, func() bool {
		msgs := alice.tl.Messages()
		return len(msgs) == 1 && msgs[0].ID != "" && msgs[0].TempID == sent.TempID &&
			msgs[0].State == inbox.Seen
	}, "alice's message acknowledged and seen")

	// History survives in the store for a fresh fetch.
	ctx := context.Background()
	hist, err := alice.api.Messages(ctx, "r-ab")
	if err != nil {
		t.Fatalf("history fetch failed: %v", err)
	}
	if len(hist) != 1 || hist[0].Body != "hello bob" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	// The conversation list names the peer from the handshake params.
	convs, err := bob.api.Conversations(ctx, "bob")
	if err != nil {
		t.Fatalf("conversation fetch failed: %v", err)
	}
	if len(convs) != 1 || convs[0].Receiver.Name != "Alice" || convs[0].LastMessage != "hello bob" {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
	if convs[0].Unread != 0 {
		t.Fatalf("expected 0 unread after read receipt, got %d", convs[0].Unread)
	}
}

func TestRelayDeliveryToOfflineReceiver(t *testing.T) {
	t.Parallel()

	srv := newRelayServer(t, nil)
	alice := newRelayClient(t, srv, "alice", "Alice")
	alice.open(t, "r-ab", "bob", "Bob")

	if _, err := alice.tl.Send("anyone home?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		msgs := alice.tl.Messages()
		return len(msgs) == 1 && msgs[0].ID != ""
	}, "server ack")

	// No receiver online: the relay records the message as sent, not
	// delivered.
	hist, err := alice.api.Messages(context.Background(), "r-ab")
	if err != nil {
		t.Fatalf("history fetch failed: %v", err)
	}
	if len(hist) != 1 || hist[0].State != inbox.Sent {
		t.Fatalf("expected stored state sent, got %+v", hist)
	}

	// The message still lands in the receiver's mailbox.
	convs, err := alice.api.Conversations(context.Background(), "bob")
	if err != nil {
		t.Fatalf("conversation fetch failed: %v", err)
	}
	if len(convs) != 1 || convs[0].Unread != 1 {
		t.Fatalf("expected 1 unread conversation for bob, got %+v", convs)
	}
}

func TestRelayEmitsMessageSeenOnRestRead(t *testing.T) {
	t.Parallel()

	srv := newRelayServer(t, nil)
	alice := newRelayClient(t, srv, "alice", "Alice")
	alice.open(t, "r-ab", "bob", "Bob")

	if _, err := alice.tl.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		msgs := alice.tl.Messages()
		return len(msgs) == 1 && msgs[0].ID != ""
	}, "server ack")

	// Bob reads over REST without ever holding a websocket session; the
	// per-message receipt still reaches the sender.
	bobAPI := inbox.NewClient(srv.URL, "")
	if err := bobAPI.MarkRead(context.Background(), "r-ab", "bob"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		msgs := alice.tl.Messages()
		return msgs[0].State == inbox.Seen && !msgs[0].SeenAt.IsZero()
	}, "seen receipt for alice")
}

func TestRelayRateLimit(t *testing.T) {
	t.Parallel()

	srv := newRelayServer(t, &config.Config{SendRate: 0.001, SendBurst: 1})
	alice := newRelayClient(t, srv, "alice", "Alice")
	alice.open(t, "r-ab", "bob", "Bob")

	if _, err := alice.tl.Send("first"); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if _, err := alice.tl.Send("second"); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}

	// The burst allows one message; the second is rejected server-side.
	waitFor(t, 5*time.Second, func() bool {
		var failed, acked int
		for _, m := range alice.tl.Messages() {
			switch m.State {
			case inbox.Failed:
				failed++
			case inbox.Sent, inbox.Delivered:
				acked++
			}
		}
		return failed == 1 && acked == 1
	}, "rate limit rejection")

	for _, m := range alice.tl.Messages() {
		if m.State == inbox.Failed && m.ErrorMessage == "" {
			t.Fatalf("failed message carries no reason: %+v", m)
		}
	}
}

func TestRelayRejectsMissingUserID(t *testing.T) {
	t.Parallel()

	srv := newRelayServer(t, nil)
	resp, err := http.Get(srv.URL + "/ws/chat")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRelayValidatesSendPayload(t *testing.T) {
	t.Parallel()

	srv := newRelayServer(t, nil)
	alice := newRelayClient(t, srv, "alice", "Alice")
	alice.open(t, "r-ab", "", "")

	// Missing receiver id is rejected with messageError.
	if _, err := alice.tl.Send("to nobody"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		msgs := alice.tl.Messages()
		return len(msgs) == 1 && msgs[0].State == inbox.Failed
	}, "validation rejection")
}
