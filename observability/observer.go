// Package observability defines the metric event surface grainrpc emits
// from the session, dispatch, authz, and catalog subsystems, and the
// no-op/atomic-swap observer implementations every subsystem defaults to.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionCloseReason classifies why a session ended.
type SessionCloseReason string

const (
	SessionCloseGraceful         SessionCloseReason = "graceful"
	SessionCloseIdleTimeout      SessionCloseReason = "idle_timeout"
	SessionCloseProtocolError    SessionCloseReason = "protocol_error"
	SessionCloseVersionMismatch  SessionCloseReason = "protocol_version_mismatch"
	SessionCloseAuthFailure      SessionCloseReason = "auth_failure"
	SessionCloseOverloaded       SessionCloseReason = "overloaded"
)

// DispatchResult classifies the outcome of one client-side invocation.
type DispatchResult string

const (
	DispatchResultOK             DispatchResult = "ok"
	DispatchResultError          DispatchResult = "error"
	DispatchResultTimeout        DispatchResult = "timeout"
	DispatchResultConnectionLost DispatchResult = "connection_lost"
	DispatchResultNoProvider     DispatchResult = "no_provider"
	DispatchResultOverloaded     DispatchResult = "overloaded"
	DispatchResultDenied         DispatchResult = "denied"
	DispatchResultCanceled       DispatchResult = "canceled"
)

// AuthzDecision classifies one authorization check's outcome.
type AuthzDecision string

const (
	AuthzAllowed AuthzDecision = "allowed"
	AuthzDenied  AuthzDecision = "denied"
)

// SessionObserver receives session-lifecycle metric events.
type SessionObserver interface {
	ConnectionCount(n int)
	HandshakeCompleted()
	Closed(reason SessionCloseReason)
	HeartbeatReceived()
}

// DispatchObserver receives dispatch-engine metric events.
type DispatchObserver interface {
	PendingCount(n int)
	Invoked(result DispatchResult, d time.Duration)
	Evicted(reason DispatchResult)
}

// AuthzObserver receives authorization-pipeline metric events.
type AuthzObserver interface {
	Checked(decision AuthzDecision)
}

// CatalogObserver receives grain-catalog metric events.
type CatalogObserver interface {
	ActiveGrains(n int)
	Activated(grainType string)
	Deactivated(grainType string)
	HandlerPanic(grainType string)
}

type noopSessionObserver struct{}

func (noopSessionObserver) ConnectionCount(int)          {}
func (noopSessionObserver) HandshakeCompleted()          {}
func (noopSessionObserver) Closed(SessionCloseReason)    {}
func (noopSessionObserver) HeartbeatReceived()           {}

type noopDispatchObserver struct{}

func (noopDispatchObserver) PendingCount(int)                    {}
func (noopDispatchObserver) Invoked(DispatchResult, time.Duration) {}
func (noopDispatchObserver) Evicted(DispatchResult)              {}

type noopAuthzObserver struct{}

func (noopAuthzObserver) Checked(AuthzDecision) {}

type noopCatalogObserver struct{}

func (noopCatalogObserver) ActiveGrains(int)      {}
func (noopCatalogObserver) Activated(string)      {}
func (noopCatalogObserver) Deactivated(string)    {}
func (noopCatalogObserver) HandlerPanic(string)   {}

// NoopSessionObserver is a zero-cost observer used when metrics are disabled.
var NoopSessionObserver SessionObserver = noopSessionObserver{}

// NoopDispatchObserver is a zero-cost observer used when metrics are disabled.
var NoopDispatchObserver DispatchObserver = noopDispatchObserver{}

// NoopAuthzObserver is a zero-cost observer used when metrics are disabled.
var NoopAuthzObserver AuthzObserver = noopAuthzObserver{}

// NoopCatalogObserver is a zero-cost observer used when metrics are disabled.
var NoopCatalogObserver CatalogObserver = noopCatalogObserver{}

// AtomicSessionObserver swaps its delegate at runtime.
type AtomicSessionObserver struct {
	once sync.Once
	v    atomic.Value
}

type sessionObserverHolder struct{ obs SessionObserver }

// NewAtomicSessionObserver returns an initialized atomic observer.
func NewAtomicSessionObserver() *AtomicSessionObserver {
	a := &AtomicSessionObserver{}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicSessionObserver) Set(obs SessionObserver) {
	if obs == nil {
		obs = NoopSessionObserver
	}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	a.v.Store(&sessionObserverHolder{obs: obs})
}

func (a *AtomicSessionObserver) load() SessionObserver {
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a.v.Load().(*sessionObserverHolder).obs
}

func (a *AtomicSessionObserver) ConnectionCount(n int)       { a.load().ConnectionCount(n) }
func (a *AtomicSessionObserver) HandshakeCompleted()         { a.load().HandshakeCompleted() }
func (a *AtomicSessionObserver) Closed(reason SessionCloseReason) { a.load().Closed(reason) }
func (a *AtomicSessionObserver) HeartbeatReceived()          { a.load().HeartbeatReceived() }

// AtomicDispatchObserver swaps its delegate at runtime.
type AtomicDispatchObserver struct {
	once sync.Once
	v    atomic.Value
}

type dispatchObserverHolder struct{ obs DispatchObserver }

// NewAtomicDispatchObserver returns an initialized atomic observer.
func NewAtomicDispatchObserver() *AtomicDispatchObserver {
	a := &AtomicDispatchObserver{}
	a.once.Do(func() { a.v.Store(&dispatchObserverHolder{obs: NoopDispatchObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicDispatchObserver) Set(obs DispatchObserver) {
	if obs == nil {
		obs = NoopDispatchObserver
	}
	a.once.Do(func() { a.v.Store(&dispatchObserverHolder{obs: NoopDispatchObserver}) })
	a.v.Store(&dispatchObserverHolder{obs: obs})
}

func (a *AtomicDispatchObserver) load() DispatchObserver {
	a.once.Do(func() { a.v.Store(&dispatchObserverHolder{obs: NoopDispatchObserver}) })
	return a.v.Load().(*dispatchObserverHolder).obs
}

func (a *AtomicDispatchObserver) PendingCount(n int) { a.load().PendingCount(n) }
func (a *AtomicDispatchObserver) Invoked(result DispatchResult, d time.Duration) {
	a.load().Invoked(result, d)
}
func (a *AtomicDispatchObserver) Evicted(reason DispatchResult) { a.load().Evicted(reason) }

// AtomicAuthzObserver swaps its delegate at runtime.
type AtomicAuthzObserver struct {
	once sync.Once
	v    atomic.Value
}

type authzObserverHolder struct{ obs AuthzObserver }

// NewAtomicAuthzObserver returns an initialized atomic observer.
func NewAtomicAuthzObserver() *AtomicAuthzObserver {
	a := &AtomicAuthzObserver{}
	a.once.Do(func() { a.v.Store(&authzObserverHolder{obs: NoopAuthzObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicAuthzObserver) Set(obs AuthzObserver) {
	if obs == nil {
		obs = NoopAuthzObserver
	}
	a.once.Do(func() { a.v.Store(&authzObserverHolder{obs: NoopAuthzObserver}) })
	a.v.Store(&authzObserverHolder{obs: obs})
}

func (a *AtomicAuthzObserver) load() AuthzObserver {
	a.once.Do(func() { a.v.Store(&authzObserverHolder{obs: NoopAuthzObserver}) })
	return a.v.Load().(*authzObserverHolder).obs
}

func (a *AtomicAuthzObserver) Checked(decision AuthzDecision) { a.load().Checked(decision) }

// AtomicCatalogObserver swaps its delegate at runtime.
type AtomicCatalogObserver struct {
	once sync.Once
	v    atomic.Value
}

type catalogObserverHolder struct{ obs CatalogObserver }

// NewAtomicCatalogObserver returns an initialized atomic observer.
func NewAtomicCatalogObserver() *AtomicCatalogObserver {
	a := &AtomicCatalogObserver{}
	a.once.Do(func() { a.v.Store(&catalogObserverHolder{obs: NoopCatalogObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicCatalogObserver) Set(obs CatalogObserver) {
	if obs == nil {
		obs = NoopCatalogObserver
	}
	a.once.Do(func() { a.v.Store(&catalogObserverHolder{obs: NoopCatalogObserver}) })
	a.v.Store(&catalogObserverHolder{obs: obs})
}

func (a *AtomicCatalogObserver) load() CatalogObserver {
	a.once.Do(func() { a.v.Store(&catalogObserverHolder{obs: NoopCatalogObserver}) })
	return a.v.Load().(*catalogObserverHolder).obs
}

func (a *AtomicCatalogObserver) ActiveGrains(n int)     { a.load().ActiveGrains(n) }
func (a *AtomicCatalogObserver) Activated(grainType string) { a.load().Activated(grainType) }
func (a *AtomicCatalogObserver) Deactivated(grainType string) { a.load().Deactivated(grainType) }
func (a *AtomicCatalogObserver) HandlerPanic(grainType string) { a.load().HandlerPanic(grainType) }
