package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mediacanvas/canvassync/internal/wire"
)

// DisconnectReason classifies why a transport connection ended. Server- and
// client-initiated closes retry on the normal schedule; transport errors get
// an extra fixed delay before the first retry.
type DisconnectReason string

const (
	ReasonServerClose    DisconnectReason = "server_close"
	ReasonClientClose    DisconnectReason = "client_close"
	ReasonTransportError DisconnectReason = "transport_error"
)

// Conn is one live bidirectional connection to the server.
type Conn interface {
	ReadEnvelope(ctx context.Context) (wire.Envelope, error)
	WriteEnvelope(ctx context.Context, env wire.Envelope) error
	Close(reason string) error
}

// Transport dials connections. It exists as an interface so tests can run
// the engine against an in-memory fake.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type websocketTransport struct {
	readLimit int64
}

// NewWebsocketTransport returns the production Transport.
func NewWebsocketTransport() Transport {
	return &websocketTransport{readLimit: 1 << 20}
}

func (t *websocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("transport: %w: empty url", ErrInvalidConfig)
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	conn.SetReadLimit(t.readLimit)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) ReadEnvelope(ctx context.Context) (wire.Envelope, error) {
	var env wire.Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		return wire.Envelope{}, err
	}
	return env, nil
}

func (c *websocketConn) WriteEnvelope(ctx context.Context, env wire.Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

func (c *websocketConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// classifyDisconnect maps a read-loop error onto a DisconnectReason.
func classifyDisconnect(err error) DisconnectReason {
	if err == nil {
		return ReasonClientClose
	}
	if errors.Is(err, context.Canceled) {
		return ReasonClientClose
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return ReasonServerClose
	case -1:
		return ReasonTransportError
	default:
		return ReasonServerClose
	}
}
