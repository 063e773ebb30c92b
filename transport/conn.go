// Package transport abstracts the medium a grainrpc session is carried
// over: every implementation sends and receives one wire.Kind frame at a
// time, regardless of whether the underlying medium is packet-oriented
// (UDP) or stream-oriented (yamux, WebSocket).
package transport

import "github.com/floegence/grainrpc/wire"

// Conn is the minimal surface the session, dispatch, and manifest layers
// need from a transport: send one frame, receive the next one, know who
// the peer is, and close.
type Conn interface {
	// SendFrame encodes and transmits one frame. Implementations MUST be
	// safe for concurrent use with RecvFrame but need not be safe for
	// concurrent SendFrame calls from multiple goroutines; callers
	// serialize writes themselves.
	SendFrame(kind wire.Kind, body []byte) error

	// RecvFrame blocks until the next frame arrives, the connection
	// closes, or the underlying medium fails.
	RecvFrame() (wire.Kind, []byte, error)

	// Close releases the underlying medium. Idempotent.
	Close() error

	// RemoteID identifies the peer for logging and manifest bookkeeping:
	// a host:port for UDP, the negotiated ClientID/ServerID once known
	// for higher-level transports.
	RemoteID() string
}
