package session

import (
	"sync"
	"time"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/identity"
	"github.com/floegence/grainrpc/wire"
)

// Session is the per-connection state machine plus the bookkeeping the
// rest of the runtime reads from it: bound identity, liveness timestamps,
// and the configured heartbeat/idle knobs that drive disconnection.
type Session struct {
	mu sync.Mutex

	side  Side
	state State

	// peerID is the client-assigned ClientID on the server side, or the
	// server's ServerID on the client side.
	peerID string

	identity    identity.UserIdentity
	identitySet bool

	establishedAt time.Time
	lastSeenAt    time.Time

	heartbeatInterval time.Duration
	idleDisconnect    time.Duration
	missedFactor      int

	closeReason wire.DisconnectReason
	closeText   string
}

// Config carries the liveness knobs a session is governed by.
type Config struct {
	HeartbeatInterval     time.Duration
	IdleDisconnect        time.Duration
	HeartbeatMissedFactor int
}

// NewClient builds a session starting in StateInit, the client side of
// the handshake state machine.
func NewClient(cfg Config, now time.Time) *Session {
	return newSession(SideClient, StateInit, cfg, now)
}

// NewServer builds a session starting in StateWaitingHandshake, the
// server side of the handshake state machine.
func NewServer(cfg Config, now time.Time) *Session {
	return newSession(SideServer, StateWaitingHandshake, cfg, now)
}

func newSession(side Side, start State, cfg Config, now time.Time) *Session {
	missed := cfg.HeartbeatMissedFactor
	if missed <= 0 {
		missed = 3
	}
	return &Session{
		side:              side,
		state:             start,
		identity:          identity.Anonymous(""),
		establishedAt:     now,
		lastSeenAt:        now,
		heartbeatInterval: cfg.HeartbeatInterval,
		idleDisconnect:    cfg.IdleDisconnect,
		missedFactor:      missed,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the peer's declared ID (ClientID or ServerID).
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Identity returns the identity bound to this session, or Anonymous if
// none has been bound yet.
func (s *Session) Identity() identity.UserIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SendHandshake drives the client-side Init -> WaitingAck transition.
func (s *Session) SendHandshake(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.side != SideClient || s.state != StateInit {
		return wrapTransition(s.state, "send_handshake")
	}
	s.state = StateWaitingAck
	s.lastSeenAt = now
	return nil
}

// RecvHandshake drives the server-side WaitingHandshake -> Ready
// transition. peerID is the client's declared ClientID.
func (s *Session) RecvHandshake(peerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.side != SideServer || s.state != StateWaitingHandshake {
		return wrapTransition(s.state, "recv_handshake")
	}
	s.peerID = peerID
	s.state = StateReady
	s.lastSeenAt = now
	return nil
}

// RecvHandshakeAck drives the client-side WaitingAck -> Ready transition.
// peerID is the server's declared ServerID.
func (s *Session) RecvHandshakeAck(peerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.side != SideClient || s.state != StateWaitingAck {
		return wrapTransition(s.state, "recv_handshake_ack")
	}
	s.peerID = peerID
	s.state = StateReady
	s.lastSeenAt = now
	return nil
}

// BindIdentity records the authenticated principal for this session.
// Identity is immutable for the session's lifetime: a session already
// carrying a non-anonymous identity refuses a second bind.
func (s *Session) BindIdentity(id identity.UserIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identitySet && s.identity.Role != identity.RoleAnonymous {
		return grainerrors.New(grainerrors.StageSession, grainerrors.CodeProtocolError, "identity already bound for this session")
	}
	s.identity = id
	s.identitySet = true
	return nil
}

// Touch resets the liveness deadline on receipt of any traffic in
// StateReady (Request, Response, or Heartbeat).
func (s *Session) Touch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return wrapTransition(s.state, "touch")
	}
	s.lastSeenAt = now
	return nil
}

// IdleDeadline returns how long the session may stay silent before it is
// terminated: N x heartbeat_interval, where N is HeartbeatMissedFactor,
// bounded below by IdleDisconnect.
func (s *Session) IdleDeadline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleDeadlineLocked()
}

func (s *Session) idleDeadlineLocked() time.Duration {
	deadline := s.idleDisconnect
	if s.heartbeatInterval > 0 {
		if missed := s.heartbeatInterval * time.Duration(s.missedFactor); missed > deadline {
			deadline = missed
		}
	}
	return deadline
}

// IsIdleAt reports whether the session should be disconnected for
// inactivity as of now.
func (s *Session) IsIdleAt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return false
	}
	deadline := s.idleDeadlineLocked()
	if deadline <= 0 {
		return false
	}
	return now.Sub(s.lastSeenAt) > deadline
}

// LastSeen returns the timestamp of the last traffic Touch recorded.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// HeartbeatInterval returns the configured heartbeat emission period.
func (s *Session) HeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatInterval
}

// Close transitions the session to StateClosed, recording why. It is
// idempotent: closing an already-closed session is a no-op that keeps
// the first reason recorded.
func (s *Session) Close(reason wire.DisconnectReason, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.closeReason = reason
	s.closeText = text
}

// CloseReason returns the reason recorded by Close, if any.
func (s *Session) CloseReason() (wire.DisconnectReason, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason, s.closeText
}

// AcceptsBeforeReady reports whether kind is one of the two messages a
// not-yet-Ready session may legally receive. Any other kind arriving
// before Ready is a protocol error that must terminate the session.
func AcceptsBeforeReady(kind wire.Kind) bool {
	return kind == wire.KindHandshake || kind == wire.KindHandshakeAck
}

func wrapTransition(from State, event string) error {
	te := &transitionError{from: from, event: event}
	return grainerrors.Wrap(grainerrors.StageSession, grainerrors.CodeProtocolError, te.Error(), te)
}
