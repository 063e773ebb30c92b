package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/floegence/grainrpc/observability"
	"github.com/floegence/grainrpc/wire"
)

// Manager tracks every live session keyed by connection ID and runs the
// periodic sweep that enforces idle disconnection, mirroring the
// ticker-driven expiry loop a grainrpc server runs for its connections.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
	observer observability.SessionObserver

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager builds an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		observer: observability.NoopSessionObserver,
		stopCh:   make(chan struct{}),
	}
}

// SetObserver installs obs as the metrics sink for session lifecycle
// events. Passing nil restores the no-op observer.
func (m *Manager) SetObserver(obs observability.SessionObserver) {
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = obs
}

// Add registers a session under connID.
func (m *Manager) Add(connID string, s *Session) {
	m.mu.Lock()
	m.sessions[connID] = s
	n := len(m.sessions)
	obs := m.observer
	m.mu.Unlock()
	obs.ConnectionCount(n)
}

// Remove unregisters connID, e.g. once its session closes.
func (m *Manager) Remove(connID string) {
	m.mu.Lock()
	delete(m.sessions, connID)
	n := len(m.sessions)
	obs := m.observer
	m.mu.Unlock()
	obs.ConnectionCount(n)
}

// Get returns the session registered for connID.
func (m *Manager) Get(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connID]
	return s, ok
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RunSweep runs the idle-disconnect sweep loop until Stop is called.
// onIdle is invoked, outside the manager's lock, for every session found
// idle at a tick; it is expected to send a Disconnect and tear down the
// transport, then call Remove.
func (m *Manager) RunSweep(interval time.Duration, onIdle func(connID string, s *Session)) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			now := time.Now()
			var idle []string
			m.mu.RLock()
			for connID, s := range m.sessions {
				if s.IsIdleAt(now) {
					idle = append(idle, connID)
				}
			}
			m.mu.RUnlock()
			for _, connID := range idle {
				m.mu.RLock()
				s, ok := m.sessions[connID]
				m.mu.RUnlock()
				if !ok {
					continue
				}
				m.logger.Warn("session idle timeout", "conn_id", connID)
				s.Close(wire.ReasonIdleTimeout, "no traffic within idle deadline")
				m.mu.RLock()
				obs := m.observer
				m.mu.RUnlock()
				obs.Closed(observability.SessionCloseIdleTimeout)
				if onIdle != nil {
					onIdle(connID, s)
				}
			}
		}
	}
}

// Stop ends the sweep loop started by RunSweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
