package defaults

import "time"

const (
	// HandshakeTimeout bounds how long a session may sit in WaitingAck.
	HandshakeTimeout = 5 * time.Second
	// RequestTimeout is applied to an invocation when the caller supplies none.
	RequestTimeout = 30 * time.Second
	// IdleDisconnect closes a Ready session whose last_seen_at is older than this.
	IdleDisconnect = 60 * time.Second
	// HeartbeatInterval is the cadence at which Ready sessions emit Heartbeat.
	HeartbeatInterval = 10 * time.Second
	// MaxFrameBytes is the default ceiling on a decoded frame body.
	MaxFrameBytes = 128 * 1024 * 1024
	// MaxPendingPerConnection bounds the client dispatch engine's pending set.
	MaxPendingPerConnection = 65536
	// HeartbeatMissedFactor is N in "missing heartbeats for N x interval terminates the session".
	HeartbeatMissedFactor = 3
)
