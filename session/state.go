// Package session implements the per-connection state machine:
// handshake, identity binding, heartbeat liveness, and
// idle/transport-failure termination.
package session

import "fmt"

// State is one node of the session state machine.
type State uint8

const (
	// StateInit is the client's starting state, before it has sent a
	// Handshake.
	StateInit State = iota
	// StateWaitingAck is the client's state after sending a Handshake,
	// waiting for the server's HandshakeAck.
	StateWaitingAck
	// StateWaitingHandshake is the server's starting state, waiting for
	// the client's Handshake.
	StateWaitingHandshake
	// StateReady is the steady state on both sides: requests, responses,
	// and heartbeats flow freely.
	StateReady
	// StateClosed is terminal. No further transitions are possible.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitingAck:
		return "waiting_ack"
	case StateWaitingHandshake:
		return "waiting_handshake"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Side distinguishes which end of the session a machine drives; the
// legal starting state and the meaning of "peer" differ by side.
type Side uint8

const (
	SideClient Side = iota
	SideServer
)

// transitionError reports an illegal state transition attempt; callers
// translate it into a grainerrors.CodeProtocolError.
type transitionError struct {
	from  State
	event string
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("session: illegal event %q in state %s", e.event, e.from)
}
