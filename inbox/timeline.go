package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimelineConfig configures a Timeline.
type TimelineConfig struct {
	// SelfID is the current user; inbound messages from anyone else count
	// as unread.
	SelfID string
	// SentTimeout is how long a message may stay in Sending without any
	// acknowledgement before it is optimistically marked Sent (default 5s).
	SentTimeout time.Duration
	// ReadAckDelay is the coalescing window for read acknowledgements
	// (default 1s).
	ReadAckDelay time.Duration
	Logger       *slog.Logger
}

// Timeline holds and reconciles the message history for exactly one
// selected room at a time. Inbound events for other rooms update the
// conversation store's preview only, never the timeline.
type Timeline struct {
	conn   *Conn
	api    *Client
	convs  *Conversations
	selfID string
	logger *slog.Logger

	sentTimeout  time.Duration
	readAckDelay time.Duration

	mu       sync.Mutex
	roomID   string
	receiver Peer
	msgs     []*Message
	timers   map[string]*time.Timer
	unread   bool
	closed   bool

	readDeb *debouncer
	offs    []func()
}

// NewTimeline creates a timeline wired to the connection's inbound events.
// Call Close to release the subscriptions and any pending timers.
func NewTimeline(conn *Conn, api *Client, convs *Conversations, cfg TimelineConfig) *Timeline {
	if cfg.SentTimeout <= 0 {
		cfg.SentTimeout = 5 * time.Second
	}
	if cfg.ReadAckDelay <= 0 {
		cfg.ReadAckDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Timeline{
		conn:         conn,
		api:          api,
		convs:        convs,
		selfID:       cfg.SelfID,
		logger:       logger,
		sentTimeout:  cfg.SentTimeout,
		readAckDelay: cfg.ReadAckDelay,
		timers:       make(map[string]*time.Timer),
	}
	t.readDeb = newDebouncer(t.readAckDelay, t.markRead)

	t.offs = []func(){
		conn.On(EventNewMessage, t.handleNewMessage),
		conn.On(EventMessageDelivered, t.handleDelivered),
		conn.On(EventMessageSeen, t.handleSeen),
		conn.On(EventMessagesRead, t.handleMessagesRead),
		conn.On(EventMessageSent, t.handleSent),
		conn.On(EventMessageError, t.handleError),
	}
	return t
}

// Close removes the event subscriptions and cancels every pending timer.
// The timeline must not be used afterwards.
func (t *Timeline) Close() {
	for _, off := range t.offs {
		off()
	}
	t.readDeb.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[string]*time.Timer)
}

// Room returns the currently selected room id, empty when none.
func (t *Timeline) Room() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomID
}

// Messages returns a copy of the timeline in creation-time order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *m
	}
	return out
}

// GroupByDate returns a lazy, restartable sequence of date-labelled
// buckets over the current messages. Labels are computed against the wall
// clock each time the sequence is ranged.
func (t *Timeline) GroupByDate() iter.Seq[DateGroup] {
	return func(yield func(DateGroup) bool) {
		for g := range groupByDate(t.Messages()) {
			if !yield(g) {
				return
			}
		}
	}
}

// Select switches the timeline to a conversation: clears the current
// messages, joins the room, fetches its history in creation-time order and
// schedules a read acknowledgement for unseen inbound messages. A
// *FetchError leaves the timeline empty so the caller can retry.
func (t *Timeline) Select(ctx context.Context, conv Conversation) error {
	t.mu.Lock()
	t.roomID = conv.RoomID
	t.receiver = conv.Receiver
	t.msgs = nil
	t.unread = false
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[string]*time.Timer)
	t.mu.Unlock()

	if err := t.conn.JoinRoom(conv.RoomID); err != nil {
		t.logger.Warn("failed to join room", "room_id", conv.RoomID, "error", err)
	}

	hist, err := t.api.Messages(ctx, conv.RoomID)
	if err != nil {
		return err
	}
	sort.SliceStable(hist, func(i, j int) bool {
		return hist[i].CreatedAt.Before(hist[j].CreatedAt)
	})

	t.mu.Lock()
	if t.roomID != conv.RoomID {
		// The user already moved on; drop the stale history.
		t.mu.Unlock()
		return nil
	}
	// Live events may have landed while the fetch was in flight: join-room
	// is issued before the fetch, so the read loop can already be inserting
	// for this room. Merge the history through the same dedup path the
	// handlers use instead of appending blindly.
	for i := range hist {
		if existing := t.findLocked(hist[i].ID, hist[i].TempID); existing != nil {
			reconcile(existing, hist[i])
			continue
		}
		m := hist[i]
		t.insertLocked(&m)
	}
	t.resortLocked()
	unseen := false
	for _, m := range t.msgs {
		if m.SenderID != t.selfID && m.State != Seen {
			unseen = true
			break
		}
	}
	t.unread = t.unread || unseen
	t.mu.Unlock()

	if unseen {
		t.readDeb.Trigger()
	}
	return nil
}

// Send appends an optimistic message with a fresh correlation id and emits
// it over the connection. It fails with ErrNotConnected or ErrNoRoom when
// the preconditions do not hold; the caller must fix them before retrying.
func (t *Timeline) Send(body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyMessage
	}
	if t.conn.State() != Connected {
		return Message{}, ErrNotConnected
	}

	t.mu.Lock()
	if t.roomID == "" {
		t.mu.Unlock()
		return Message{}, ErrNoRoom
	}
	msg := &Message{
		TempID:     "temp_" + uuid.NewString(),
		SenderID:   t.selfID,
		ReceiverID: t.receiver.ID,
		RoomID:     t.roomID,
		Body:       body,
		CreatedAt:  time.Now(),
		Type:       "text",
		State:      Sending,
	}
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()

	t.emit(msg)

	t.mu.Lock()
	out := *msg
	t.mu.Unlock()
	return out, nil
}

// Retry re-issues a failed send under a new correlation id, transitioning
// the same entry back to Sending. Only messages in Failed may be retried.
func (t *Timeline) Retry(key string) (Message, error) {
	if t.conn.State() != Connected {
		return Message{}, ErrNotConnected
	}

	t.mu.Lock()
	var msg *Message
	for _, m := range t.msgs {
		if m.ID == key || m.TempID == key {
			msg = m
			break
		}
	}
	if msg == nil {
		t.mu.Unlock()
		return Message{}, ErrNotFound
	}
	if msg.State != Failed {
		t.mu.Unlock()
		return Message{}, ErrNotFailed
	}
	msg.TempID = "retry_" + uuid.NewString()
	msg.ID = ""
	msg.State = Sending
	msg.ErrorMessage = ""
	t.mu.Unlock()

	t.emit(msg)

	t.mu.Lock()
	out := *msg
	t.mu.Unlock()
	return out, nil
}

// emit writes the message over the connection and arms the optimistic-sent
// timer. A synchronous write failure is treated like a messageError.
func (t *Timeline) emit(msg *Message) {
	t.mu.Lock()
	// The frame carries the same timestamp the entry displays; the server
	// restamps on persist.
	wire := Message{
		TempID:     msg.TempID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		RoomID:     msg.RoomID,
		Body:       msg.Body,
		CreatedAt:  msg.CreatedAt,
		Type:       msg.Type,
	}
	tempID := msg.TempID
	t.mu.Unlock()

	if err := t.conn.Send(EventSendMessage, wire); err != nil {
		t.logger.Warn("send failed", "temp_id", tempID, "error", err)
		t.mu.Lock()
		if msg.State == Sending {
			msg.State = Failed
			msg.ErrorMessage = err.Error()
		}
		t.mu.Unlock()
		return
	}
	t.armSentTimer(tempID)
}

// armSentTimer starts the bounded wait for a send acknowledgement. When it
// fires with the message still in Sending, the message is optimistically
// marked Sent: eventual delivery is assumed unless an explicit error event
// names the correlation id.
func (t *Timeline) armSentTimer(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old := t.timers[tempID]; old != nil {
		old.Stop()
	}
	t.timers[tempID] = time.AfterFunc(t.sentTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.timers, tempID)
		if m := t.findLocked("", tempID); m != nil && m.State == Sending {
			m.State = Sent
		}
	})
}

func (t *Timeline) handleNewMessage(data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Warn("bad newMessage payload", "error", err)
		return
	}

	var ackNeeded bool
	t.mu.Lock()
	inRoom := msg.RoomID == t.roomID && t.roomID != ""
	if inRoom {
		if existing := t.findLocked(msg.ID, msg.TempID); existing != nil {
			reconcile(existing, msg)
			t.resortLocked()
		} else {
			m := msg
			t.insertLocked(&m)
			if msg.SenderID != t.selfID {
				t.unread = true
				ackNeeded = true
			}
		}
	}
	t.mu.Unlock()

	if ackNeeded {
		t.readDeb.Trigger()
	}
	t.convs.Observe(msg, inRoom || msg.SenderID == t.selfID)
}

func (t *Timeline) handleDelivered(data json.RawMessage) {
	var p DeliveredPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("bad messageDelivered payload", "error", err)
		return
	}
	st := Delivered
	if s := DeliveryState(p.Status); s.rank() > 0 {
		st = s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.findLocked(p.MessageID, p.TempID)
	if m == nil {
		return
	}
	if st.rank() > m.State.rank() {
		m.State = st
	}
	t.stopTimerLocked(m.TempID)
}

func (t *Timeline) handleSeen(data json.RawMessage) {
	var p SeenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("bad messageSeen payload", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.findLocked(p.MessageID, p.TempID)
	if m == nil {
		return
	}
	m.State = Seen
	if !p.SeenAt.IsZero() {
		m.SeenAt = p.SeenAt
	} else {
		m.SeenAt = time.Now()
	}
	t.stopTimerLocked(m.TempID)
}

// handleMessagesRead applies a peer read receipt: when the peer has read
// the selected room, every outbound message in it becomes Seen.
func (t *Timeline) handleMessagesRead(data json.RawMessage) {
	var p ReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("bad messagesRead payload", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p.RoomID != t.roomID || p.UserID == t.selfID {
		return
	}
	now := time.Now()
	for _, m := range t.msgs {
		if m.SenderID == t.selfID && m.State != Seen && m.State != Failed {
			m.State = Seen
			m.SeenAt = now
			t.stopTimerLocked(m.TempID)
		}
	}
}

func (t *Timeline) handleSent(data json.RawMessage) {
	var p SentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("bad messageSent payload", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.findLocked("", p.TempID)
	if m == nil {
		return
	}
	reconcile(m, p.Message)
	if m.ID == "" {
		m.ID = p.TempID
	}
	if m.State.rank() < Delivered.rank() {
		m.State = Delivered
	}
	t.stopTimerLocked(p.TempID)
	t.resortLocked()
}

// handleError fails the named message immediately, even when the
// optimistic-sent timeout has not elapsed yet.
func (t *Timeline) handleError(data json.RawMessage) {
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("bad messageError payload", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.findLocked("", p.TempID)
	if m == nil {
		return
	}
	m.State = Failed
	m.ErrorMessage = p.Error
	t.stopTimerLocked(p.TempID)
}

// markRead is the debounced read acknowledgement: one REST call per
// coalescing window, then the local inbound messages flip to Seen and the
// peer is notified over the connection.
func (t *Timeline) markRead() {
	t.mu.Lock()
	room := t.roomID
	unread := t.unread
	closed := t.closed
	t.mu.Unlock()
	if closed || !unread || room == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.api.MarkRead(ctx, room, t.selfID); err != nil {
		t.logger.Warn("failed to mark room read", "room_id", room, "error", err)
		return
	}

	t.mu.Lock()
	if t.roomID == room {
		t.unread = false
		now := time.Now()
		for _, m := range t.msgs {
			if m.SenderID != t.selfID && m.State != Seen {
				m.State = Seen
				m.SeenAt = now
			}
		}
	}
	t.mu.Unlock()

	t.convs.ClearUnread(room)
	if err := t.conn.Send(EventMessagesRead, ReadPayload{RoomID: room, UserID: t.selfID}); err != nil && !errors.Is(err, ErrNotConnected) {
		t.logger.Warn("failed to announce read", "room_id", room, "error", err)
	}
}

func (t *Timeline) findLocked(id, tempID string) *Message {
	for _, m := range t.msgs {
		if m.Matches(id, tempID) {
			return m
		}
	}
	return nil
}

func (t *Timeline) stopTimerLocked(tempID string) {
	if tm := t.timers[tempID]; tm != nil {
		tm.Stop()
		delete(t.timers, tempID)
	}
}

// insertLocked places a message at its timestamp-ordered position.
func (t *Timeline) insertLocked(m *Message) {
	i := len(t.msgs)
	for i > 0 && t.msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
}

// resortLocked restores timestamp order after a reconciliation moved a
// creation time (e.g. the server stamped an optimistic send).
func (t *Timeline) resortLocked() {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].CreatedAt.Before(t.msgs[j].CreatedAt)
	})
}
