package defaults

import "time"

const minHeartbeatInterval = 500 * time.Millisecond

// HeartbeatIntervalFor derives a heartbeat cadence from an idle-disconnect
// deadline when the caller has not configured one explicitly.
//
// It uses idle/2, clamps to a small minimum for usability, and guarantees the
// resulting interval is strictly less than the idle deadline.
func HeartbeatIntervalFor(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	interval := idle / 2
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	if interval >= idle {
		interval = idle / 2
	}
	return interval
}
