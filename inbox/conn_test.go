package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	in     chan Envelope
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadEnvelope(ctx context.Context) (Envelope, error) {
	select {
	case env := <-f.in:
		return env, nil
	case <-f.closed:
		return Envelope{}, errors.New("transport closed")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (f *fakeTransport) WriteEnvelope(_ context.Context, env Envelope) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// deliver pushes an inbound event as the server would.
func (f *fakeTransport) deliver(t *testing.T, event string, v any) {
	t.Helper()
	env, err := NewEnvelope(event, v)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	f.in <- env
}

// sentEvents returns the envelopes written for one event name.
func (f *fakeTransport) sentEvents(event string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, env := range f.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer scripts dial outcomes: the first failures dials are refused,
// the rest hand out fresh fake transports.
type fakeDialer struct {
	mu         sync.Mutex
	failures   int
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("dial refused")
	}
	ft := newFakeTransport()
	d.transports = append(d.transports, ft)
	return ft, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

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

func newTestConn(d *fakeDialer) *Conn {
	return NewConn(ConnConfig{
		URL:         "ws://test/ws/chat",
		UserID:      "alice",
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		DialTimeout: time.Second,
		Dial:        d.dial,
	})
}

func TestConnConnectIdempotent(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestConn(d)
	defer c.Disconnect()

	c.Connect()
	waitFor(t, time.Second, func() bool { return c.State() == Connected }, "connected state")

	c.Connect()
	c.Connect()
	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
}

func TestConnSendRequiresConnection(t *testing.T) {
	t.Parallel()

	c := newTestConn(&fakeDialer{})
	if err := c.Send("sendMessage", map[string]string{"x": "y"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnReconnectRejoinsRoomOnce(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestConn(d)
	defer c.Disconnect()

	var states []ConnState
	var mu sync.Mutex
	off := c.OnStateChange(func(st ConnState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	defer off()

	c.Connect()
	waitFor(t, time.Second, func() bool { return c.State() == Connected }, "initial connect")
	if err := c.JoinRoom("room-1"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	first := d.transport(0)
	if got := len(first.sentEvents(EventJoinRoom)); got != 1 {
		t.Fatalf("expected 1 join-room on first transport, got %d", got)
	}

	// Simulate a network drop.
	_ = first.Close()
	waitFor(t, time.Second, func() bool {
		return d.transport(1) != nil && c.State() == Connected
	}, "reconnection")

	joins := d.transport(1).sentEvents(EventJoinRoom)
	if len(joins) != 1 {
		t.Fatalf("expected join-room to be re-emitted exactly once, got %d", len(joins))
	}
	var p JoinRoomPayload
	if err := json.Unmarshal(joins[0].Data, &p); err != nil || p.RoomID != "room-1" {
		t.Fatalf("unexpected join-room payload: %s", joins[0].Data)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ConnState{Connecting, Connected, Disconnected, Connecting, Connected}
	if len(states) != len(want) {
		t.Fatalf("expected state sequence %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected state sequence %v, got %v", want, states)
		}
	}
}

func TestConnRetriesExhaustedThenManualRetry(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{failures: 100}
	c := newTestConn(d)
	defer c.Disconnect()

	c.Connect()
	waitFor(t, time.Second, func() bool { return c.State() == ConnError }, "error state")
	if got := d.dialCount(); got != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", got)
	}

	// Manual retry from the error state starts a fresh round.
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
	c.Connect()
	waitFor(t, time.Second, func() bool { return c.State() == Connected }, "manual retry")
}

func TestConnDisconnectStopsReconnection(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestConn(d)

	c.Connect()
	waitFor(t, time.Second, func() bool { return c.State() == Connected }, "connected state")

	c.Disconnect()
	if c.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %s", c.State())
	}
	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("expected no reconnection after Disconnect, got %d dials", got)
	}
}

func TestConnHandlerSubscription(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestConn(d)
	defer c.Disconnect()

	var mu sync.Mutex
	var a, b int
	offA := c.On("newMessage", func(json.RawMessage) {
		mu.Lock()
		a++
		mu.Unlock()
	})
	offB := c.On("newMessage", func(json.RawMessage) {
		mu.Lock()
		b++
		mu.Unlock()
	})
	defer offB()

	c.Connect()
	waitFor(t, time.Second, func() bool { return c.State() == Connected }, "connected state")
	ft := d.transport(0)

	ft.deliver(t, "newMessage", map[string]string{"roomId": "r"})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return a == 1 && b == 1
	}, "both handlers invoked")

	offA()
	ft.deliver(t, "newMessage", map[string]string{"roomId": "r"})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return b == 2
	}, "remaining handler invoked")

	mu.Lock()
	defer mu.Unlock()
	if a != 1 {
		t.Fatalf("unsubscribed handler was invoked %d times", a)
	}
}
