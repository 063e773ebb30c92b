// Package dispatch implements the dispatch engine: client-side
// request/response correlation with timeout and back-pressure, server
// selection, and the server-side inbound routing
// pipeline.
package dispatch

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/floegence/grainrpc/grainerrors"
)

const numPendingShards = 64

// Result is what a pending invocation resolves to: either a decoded
// payload or a classified failure.
type Result struct {
	Payload []byte
	Err     error
}

type pendingEntry struct {
	connID   string
	deadline time.Time
	resultCh chan Result
}

type pendingShard struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// PendingMap is the client-side correlation table: message_id to
// in-flight request, sharded by hash for concurrent access, plus a
// per-connection count enforcing a back-pressure bound.
type PendingMap struct {
	shards [numPendingShards]*pendingShard

	countMu          sync.Mutex
	perConnCount     map[string]int
	maxPerConnection int
}

// NewPendingMap builds an empty pending map. maxPerConnection <= 0 means
// unbounded (not the production default, which bounds this at
// 65,536).
func NewPendingMap(maxPerConnection int) *PendingMap {
	pm := &PendingMap{
		perConnCount:     make(map[string]int),
		maxPerConnection: maxPerConnection,
	}
	for i := range pm.shards {
		pm.shards[i] = &pendingShard{entries: make(map[string]*pendingEntry)}
	}
	return pm
}

func shardIndex(messageID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return int(h.Sum32() % numPendingShards)
}

// Reserve installs a pending entry for messageID bound to connID, with
// deadline = now+timeout. It fails with Overloaded if connID is already
// at its pending-request bound, or DuplicateRequestId if messageID is
// already in use — the latter indicating a message-id generator bug.
func (pm *PendingMap) Reserve(messageID, connID string, timeout time.Duration, now time.Time) (chan Result, error) {
	pm.countMu.Lock()
	if pm.maxPerConnection > 0 && pm.perConnCount[connID] >= pm.maxPerConnection {
		pm.countMu.Unlock()
		return nil, grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeOverloaded, "pending request bound reached for connection")
	}
	pm.countMu.Unlock()

	sh := pm.shards[shardIndex(messageID)]
	sh.mu.Lock()
	if _, exists := sh.entries[messageID]; exists {
		sh.mu.Unlock()
		return nil, grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeDuplicateRequestID, "message_id already pending")
	}
	ch := make(chan Result, 1)
	sh.entries[messageID] = &pendingEntry{connID: connID, deadline: now.Add(timeout), resultCh: ch}
	sh.mu.Unlock()

	pm.countMu.Lock()
	pm.perConnCount[connID]++
	pm.countMu.Unlock()
	return ch, nil
}

// Remove deletes messageID's entry without resolving it, for the local
// cancellation path: the caller already knows the outcome (Canceled)
// and only needs the bookkeeping cleared.
func (pm *PendingMap) Remove(messageID string) {
	sh := pm.shards[shardIndex(messageID)]
	sh.mu.Lock()
	entry, ok := sh.entries[messageID]
	if ok {
		delete(sh.entries, messageID)
	}
	sh.mu.Unlock()
	if ok {
		pm.decrement(entry.connID)
	}
}

// Resolve delivers result to messageID's pending entry, if still
// present, and removes it. Returns false if the id was unknown (already
// resolved, timed out, or never issued) — callers drop late deliveries
// silently.
func (pm *PendingMap) Resolve(messageID string, result Result) bool {
	sh := pm.shards[shardIndex(messageID)]
	sh.mu.Lock()
	entry, ok := sh.entries[messageID]
	if ok {
		delete(sh.entries, messageID)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	pm.decrement(entry.connID)
	select {
	case entry.resultCh <- result:
	default:
	}
	return true
}

func (pm *PendingMap) decrement(connID string) {
	pm.countMu.Lock()
	if n := pm.perConnCount[connID]; n <= 1 {
		delete(pm.perConnCount, connID)
	} else {
		pm.perConnCount[connID] = n - 1
	}
	pm.countMu.Unlock()
}

// SweepTimeouts resolves every entry whose deadline is at or before now
// with Timeout, and returns how many were swept.
func (pm *PendingMap) SweepTimeouts(now time.Time) int {
	swept := 0
	for _, sh := range pm.shards {
		var expired []string
		sh.mu.Lock()
		for id, e := range sh.entries {
			if !now.Before(e.deadline) {
				expired = append(expired, id)
			}
		}
		sh.mu.Unlock()
		for _, id := range expired {
			if pm.Resolve(id, Result{Err: grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeTimeout, "request deadline exceeded")}) {
				swept++
			}
		}
	}
	return swept
}

// FailConnection resolves every entry dispatched to connID with
// ConnectionLost, for use when that connection's transport fails.
func (pm *PendingMap) FailConnection(connID string) int {
	failed := 0
	cause := grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeConnectionLost, "connection closed with requests pending")
	for _, sh := range pm.shards {
		var matched []string
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.connID == connID {
				matched = append(matched, id)
			}
		}
		sh.mu.Unlock()
		for _, id := range matched {
			if pm.Resolve(id, Result{Err: cause}) {
				failed++
			}
		}
	}
	return failed
}

// Count returns the number of entries currently pending across all
// shards.
func (pm *PendingMap) Count() int {
	total := 0
	for _, sh := range pm.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
