package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// ConnState is the lifecycle state of the realtime connection.
type ConnState string

const (
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
	// ConnError means automatic reconnection attempts are exhausted.
	// Only an explicit Connect leaves this state.
	ConnError ConnState = "error"
)

// Handler receives the raw payload of an inbound event.
type Handler func(data json.RawMessage)

// ConnConfig configures a Conn. Zero values fall back to defaults that
// match the production backend's reconnection policy.
type ConnConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws/chat.
	URL    string
	UserID string
	// Params are extra query parameters added to the dial URL.
	Params url.Values

	MaxAttempts int           // reconnection attempts before giving up (default 10)
	BaseDelay   time.Duration // first retry delay (default 2s)
	MaxDelay    time.Duration // backoff cap (default 10s)
	DialTimeout time.Duration // per-attempt dial timeout (default 30s)

	// Dial substitutes the transport, used by tests. Defaults to a
	// websocket dial.
	Dial   DialFunc
	Logger *slog.Logger
}

// Conn owns the single realtime connection for a session. It tracks
// connection state, dispatches inbound events to subscribers and
// reconnects automatically with capped exponential backoff.
//
// Conn never drops or retries message payloads; it only reports state.
// Loss handling for sends belongs to the Timeline.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     ConnState
	ws        Transport
	room      string
	handlers  map[string]map[int]Handler
	stateSubs map[int]func(ConnState)
	nextID    int
	gen       int
	cancel    context.CancelFunc
}

// NewConn creates a connection manager. The connection is not opened until
// Connect is called.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebsocket
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:       cfg,
		logger:    logger,
		state:     Disconnected,
		handlers:  make(map[string]map[int]Handler),
		stateSubs: make(map[int]func(ConnState)),
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection. It is idempotent: calling while already
// connecting or connected is a no-op. From ConnError it starts a fresh
// round of attempts (manual retry).
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = Connecting
	subs := c.stateSubsLocked()
	c.mu.Unlock()

	c.notify(subs, Connecting)
	go c.connectLoop(ctx, gen)
}

// Disconnect releases the connection and any pending reconnection timers.
// A later Connect may re-open it.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	ws := c.ws
	c.ws = nil
	changed := c.state != Disconnected
	c.state = Disconnected
	subs := c.stateSubsLocked()
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if changed {
		c.notify(subs, Disconnected)
	}
}

// JoinRoom associates the connection with a room so inbound events for it
// are delivered. The association survives reconnects: join-room is
// re-emitted after every successful (re)connection. An empty room id
// clears the association.
func (c *Conn) JoinRoom(roomID string) error {
	c.mu.Lock()
	c.room = roomID
	st := c.state
	c.mu.Unlock()

	if roomID == "" || st != Connected {
		return nil
	}
	return c.Send(EventJoinRoom, JoinRoomPayload{RoomID: roomID})
}

// Send emits an event over the connection. It fails with ErrNotConnected
// when the connection is not established.
func (c *Conn) Send(event string, v any) error {
	env, err := NewEnvelope(event, v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	ws := c.ws
	st := c.state
	c.mu.Unlock()
	if st != Connected || ws == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.WriteEnvelope(ctx, env); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// On subscribes a handler to an inbound event. Multiple handlers per event
// are allowed. The returned function removes exactly this subscription.
func (c *Conn) On(event string, h Handler) (off func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	m := c.handlers[event]
	if m == nil {
		m = make(map[int]Handler)
		c.handlers[event] = m
	}
	m[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

// OnStateChange subscribes to connection state transitions. The returned
// function removes the subscription.
func (c *Conn) OnStateChange(fn func(ConnState)) (off func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.stateSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

func (c *Conn) dialURL() string {
	q := url.Values{}
	for k, vs := range c.cfg.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.cfg.UserID != "" {
		q.Set("userId", c.cfg.UserID)
	}
	if len(q) == 0 {
		return c.cfg.URL
	}
	return c.cfg.URL + "?" + q.Encode()
}

func (c *Conn) connectLoop(ctx context.Context, gen int) {
	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		t, err := c.cfg.Dial(dctx, c.dialURL())
		cancel()

		if ctx.Err() != nil {
			if t != nil {
				_ = t.Close()
			}
			return
		}

		if err == nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				_ = t.Close()
				return
			}
			c.ws = t
			c.state = Connected
			room := c.room
			subs := c.stateSubsLocked()
			c.mu.Unlock()

			c.logger.Info("realtime connected", "user_id", c.cfg.UserID, "attempt", attempt)
			c.notify(subs, Connected)
			if room != "" {
				if err := c.Send(EventJoinRoom, JoinRoomPayload{RoomID: room}); err != nil {
					c.logger.Warn("failed to rejoin room", "room_id", room, "error", err)
				}
			}
			go c.readLoop(ctx, gen, t)
			return
		}

		c.logger.Warn("dial failed", "attempt", attempt, "error", err)
		if attempt >= c.cfg.MaxAttempts {
			c.setState(gen, ConnError)
			return
		}

		select {
		case <-time.After(c.backoff(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, gen int, t Transport) {
	for {
		env, err := t.ReadEnvelope(ctx)
		if err == nil {
			c.dispatch(env)
			continue
		}

		_ = t.Close()
		c.mu.Lock()
		stale := gen != c.gen
		if !stale && c.ws == t {
			c.ws = nil
		}
		c.mu.Unlock()
		if stale || ctx.Err() != nil {
			return
		}

		c.logger.Info("realtime connection lost", "user_id", c.cfg.UserID, "error", err)
		c.setState(gen, Disconnected)

		// Automatic reconnect, unless Connect or Disconnect already took
		// over in the meantime.
		c.mu.Lock()
		if gen != c.gen || c.state != Disconnected {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
		subs := c.stateSubsLocked()
		c.mu.Unlock()
		c.notify(subs, Connecting)
		c.connectLoop(ctx, gen)
		return
	}
}

func (c *Conn) dispatch(env Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(env.Data)
	}
}

func (c *Conn) setState(gen int, st ConnState) {
	c.mu.Lock()
	if gen != c.gen || c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	subs := c.stateSubsLocked()
	c.mu.Unlock()
	c.notify(subs, st)
}

// stateSubsLocked snapshots state subscribers. Callers must hold c.mu and
// invoke the snapshot only after releasing it.
func (c *Conn) stateSubsLocked() []func(ConnState) {
	subs := make([]func(ConnState), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	return subs
}

func (c *Conn) notify(subs []func(ConnState), st ConnState) {
	for _, fn := range subs {
		fn(st)
	}
}

func (c *Conn) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if d > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return d
}
