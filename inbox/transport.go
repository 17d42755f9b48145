package inbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Transport is a single established realtime connection. The production
// implementation wraps a websocket; tests substitute an in-memory fake.
type Transport interface {
	// ReadEnvelope blocks until the next inbound frame or an error.
	ReadEnvelope(ctx context.Context) (Envelope, error)
	// WriteEnvelope sends one frame.
	WriteEnvelope(ctx context.Context, env Envelope) error
	Close() error
}

// DialFunc establishes a Transport to the given URL.
type DialFunc func(ctx context.Context, rawURL string) (Transport, error)

// DialWebsocket is the default DialFunc, connecting over a websocket with
// JSON text frames.
func DialWebsocket(ctx context.Context, rawURL string) (Transport, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return &wsTransport{ws: ws}, nil
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) ReadEnvelope(ctx context.Context) (Envelope, error) {
	_, data, err := t.ws.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (t *wsTransport) WriteEnvelope(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.ws.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.ws.Close(websocket.StatusNormalClosure, "")
}
