// Package reliableconn implements transport.Conn over a single
// hashicorp/yamux stream multiplexed on top of a reliable net.Conn
// (typically TCP), for links that need in-order, lossless delivery.
package reliableconn

import (
	"net"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/wire"
)

// Conn adapts one yamux stream to transport.Conn, delegating framing to
// wire.WriteFrame/ReadFrame the way a stream-oriented medium expects.
type Conn struct {
	stream   net.Conn
	maxFrame int
	writeMu  sync.Mutex
	remoteID string
}

// New wraps an already-opened yamux stream. maxFrame bounds inbound
// frame bodies (0 means unbounded).
func New(stream net.Conn, remoteID string, maxFrame int) *Conn {
	return &Conn{stream: stream, remoteID: remoteID, maxFrame: maxFrame}
}

// OpenClient establishes a yamux client session over conn and opens its
// first (and, for grainrpc, only) stream.
func OpenClient(conn net.Conn, cfg *yamux.Config, remoteID string, maxFrame int) (*Conn, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	sess, err := yamux.Client(conn, cfg)
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "yamux client session failed", err)
	}
	stream, err := sess.Open()
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "yamux open stream failed", err)
	}
	return New(stream, remoteID, maxFrame), nil
}

// AcceptServer establishes a yamux server session over conn and accepts
// its first stream.
func AcceptServer(conn net.Conn, cfg *yamux.Config, remoteID string, maxFrame int) (*Conn, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	sess, err := yamux.Server(conn, cfg)
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "yamux server session failed", err)
	}
	stream, err := sess.Accept()
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "yamux accept stream failed", err)
	}
	return New(stream, remoteID, maxFrame), nil
}

func (c *Conn) SendFrame(kind wire.Kind, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(c.stream, kind, body); err != nil {
		return grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "yamux write failed", err)
	}
	return nil
}

func (c *Conn) RecvFrame() (wire.Kind, []byte, error) {
	kind, body, err := wire.ReadFrame(c.stream, c.maxFrame)
	if err != nil {
		return 0, nil, err
	}
	return kind, body, nil
}

func (c *Conn) Close() error { return c.stream.Close() }

func (c *Conn) RemoteID() string { return c.remoteID }
