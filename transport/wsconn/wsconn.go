// Package wsconn implements transport.Conn over a gorilla/websocket
// connection, for browser and other HTTP-upgrade-only clients.
package wsconn

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/wire"
)

// Conn adapts a *websocket.Conn to transport.Conn: each frame is sent
// and received as exactly one binary WebSocket message.
type Conn struct {
	c        *websocket.Conn
	writeMu  sync.Mutex
	remoteID string
}

// UpgraderOptions mirrors the knobs a grainrpc server needs when
// accepting a browser client.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade accepts an inbound HTTP connection as a WebSocket transport.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "websocket upgrade failed", err)
	}
	return &Conn{c: c, remoteID: c.RemoteAddr().String()}, nil
}

// Dial connects to a grainrpc WebSocket endpoint.
func Dial(ctx context.Context, urlStr string, header http.Header) (*Conn, error) {
	d := websocket.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(deadline)
	}
	c, _, err := d.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "websocket dial failed", err)
	}
	return &Conn{c: c, remoteID: urlStr}, nil
}

func (c *Conn) SendFrame(kind wire.Kind, body []byte) error {
	var buf bytes.Buffer
	if err := wire.WriteFrame(&buf, kind, body); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.c.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "websocket write failed", err)
	}
	return nil
}

func (c *Conn) RecvFrame() (wire.Kind, []byte, error) {
	mt, data, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "websocket read failed", err)
	}
	if mt != websocket.BinaryMessage {
		return 0, nil, grainerrors.New(grainerrors.StageTransport, grainerrors.CodeProtocolError, "expected binary websocket message")
	}
	// The gorilla connection's own read limit (set via SetReadLimit)
	// already bounds message size; no second cap is needed here.
	return wire.ReadFrame(bytes.NewReader(data), 0)
}

// SetReadLimit caps the size of a single inbound WebSocket message,
// standing in for wire's own max_frame_bytes check on this transport.
func (c *Conn) SetReadLimit(n int64) { c.c.SetReadLimit(n) }

func (c *Conn) Close() error { return c.c.Close() }

func (c *Conn) RemoteID() string { return c.remoteID }
