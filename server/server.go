// Package server is the high-level server embedding API for grainrpc:
// it wires the session manager, manifest catalog, authorization
// pipeline, grain catalog, and dispatch engine into one UDP-listening
// process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/floegence/grainrpc/authz"
	"github.com/floegence/grainrpc/catalog"
	"github.com/floegence/grainrpc/dispatch"
	"github.com/floegence/grainrpc/identity"
	"github.com/floegence/grainrpc/identity/token"
	"github.com/floegence/grainrpc/manifest"
	"github.com/floegence/grainrpc/observability"
	"github.com/floegence/grainrpc/session"
	"github.com/floegence/grainrpc/transport"
	"github.com/floegence/grainrpc/transport/udpconn"
	"github.com/floegence/grainrpc/wire"
)

// Config carries the knobs a server needs at startup: its own identity,
// the bind address, and the liveness/authorization/eviction settings.
type Config struct {
	ServerID string
	Bind     string // UDP listen address, e.g. "0.0.0.0:7777"

	Session session.Config

	DefaultPolicy           authz.DefaultPolicy
	EnforceClientAccessible bool

	EvictionIdle  time.Duration // grain idle eviction; 0 disables
	SweepInterval time.Duration // session idle sweep cadence

	Zone    *wire.ZoneCoord // this server's owned zone, if any
	ZoneMap []wire.ZoneServer

	// TokenKeys verifies a Handshake's AuthToken, if any is present; a
	// nil TokenKeys leaves every connecting session Anonymous regardless
	// of what a client sends. TokenAudience, if set, is required to
	// match the token's Aud claim.
	TokenKeys     token.KeyLookup
	TokenAudience string

	Logger *slog.Logger
}

// DefaultConfig returns the non-strict defaults.
func DefaultConfig(serverID, bind string) Config {
	return Config{
		ServerID: serverID,
		Bind:     bind,
		Session: session.Config{
			HeartbeatInterval:     10 * time.Second,
			IdleDisconnect:        30 * time.Second,
			HeartbeatMissedFactor: 3,
		},
		DefaultPolicy:           authz.Permissive,
		EnforceClientAccessible: false,
		SweepInterval:           time.Second,
	}
}

// Strict returns cfg with deny-by-default authorization and
// ClientAccessible enforcement applied.
func Strict(cfg Config) Config {
	cfg.DefaultPolicy = authz.DenyByDefault
	cfg.EnforceClientAccessible = true
	return cfg
}

type connState struct {
	conn   transport.Conn
	sess   *session.Session
	connID string
}

// Server is a running grainrpc server: one UDP listener plus the
// Manifest Registry, Authorization Pipeline, Grain Catalog, and Dispatch
// Engine it fronts.
type Server struct {
	cfg Config

	manifest *manifest.Catalog
	authz    *authz.Pipeline
	grains   *catalog.Catalog
	dispatch *dispatch.Server
	sessions *session.Manager
	logger   *slog.Logger

	sessionObsMu sync.RWMutex
	sessionObs   observability.SessionObserver

	mu    sync.RWMutex
	conns map[string]*connState
	ln    *udpconn.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Server bound around cfg's settings. It does not start
// listening; call ListenAndServe.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authzPipeline := authz.NewPipeline(logger)
	authzPipeline.SetPolicy(cfg.DefaultPolicy, cfg.EnforceClientAccessible)

	s := &Server{
		cfg:        cfg,
		manifest:   manifest.NewCatalog(),
		authz:      authzPipeline,
		grains:     catalog.New(cfg.EvictionIdle, logger),
		sessions:   session.NewManager(logger),
		logger:     logger,
		sessionObs: observability.NoopSessionObserver,
		conns:      make(map[string]*connState),
		stopCh:     make(chan struct{}),
	}
	s.dispatch = dispatch.NewServer(s.manifest, s.authz, s.grains, logger)
	return s
}

// SetSessionObserver installs obs as the metrics sink for both the
// session manager's own lifecycle events and the handshake/heartbeat
// events this package observes directly.
func (s *Server) SetSessionObserver(obs observability.SessionObserver) {
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	s.sessions.SetObserver(obs)
	s.sessionObsMu.Lock()
	s.sessionObs = obs
	s.sessionObsMu.Unlock()
}

// SetAuthzObserver installs obs as the metrics sink for authorization
// decisions.
func (s *Server) SetAuthzObserver(obs observability.AuthzObserver) { s.authz.SetObserver(obs) }

// SetCatalogObserver installs obs as the metrics sink for grain catalog
// events.
func (s *Server) SetCatalogObserver(obs observability.CatalogObserver) { s.grains.SetObserver(obs) }

// RegisterInterface binds interfaceID's method ordering to grainType,
// for the Manifest Registry this server advertises on every handshake.
func (s *Server) RegisterInterface(interfaceID, grainType string, iface reflect.Type, properties map[string]string) manifest.Descriptor {
	return s.manifest.RegisterInterface(interfaceID, grainType, iface, properties)
}

// SetClassAttributes attaches attrs to every method of every interface
// bound to grainType.
func (s *Server) SetClassAttributes(grainType string, attrs ...authz.Attribute) {
	s.authz.SetClassAttributes(grainType, attrs...)
}

// SetInterfaceAttributes attaches attrs to every method of interfaceID.
func (s *Server) SetInterfaceAttributes(interfaceID string, attrs ...authz.Attribute) {
	s.authz.SetInterfaceAttributes(interfaceID, attrs...)
}

// SetMethodAttributes attaches attrs to one (interfaceID, ordinal) pair.
func (s *Server) SetMethodAttributes(interfaceID string, ordinal uint32, grainType string, attrs ...authz.Attribute) {
	s.authz.SetMethodAttributes(interfaceID, ordinal, grainType, attrs...)
}

// SetAuthorizer replaces the authorization pipeline's decision capability
// wholesale.
func (s *Server) SetAuthorizer(a authz.Authorizer) { s.authz.SetAuthorizer(a) }

// RegisterGrainType binds grainTypeName's name to ctor on s's grain
// catalog and returns a handle for registering its methods. It is a
// package-level function, not a method, since Go methods cannot carry
// their own type parameters.
func RegisterGrainType[T any](s *Server, grainTypeName string, ctor func(key string) (*T, error)) *catalog.GrainType[T] {
	return catalog.RegisterGrainType(s.grains, grainTypeName, ctor)
}

// RegisterMethod binds ordinal on gt's grain type to a typed handler.
func RegisterMethod[T any, TArg any, TResult any](gt *catalog.GrainType[T], ordinal uint32, methodName string, fn func(ctx context.Context, g *T, arg *TArg) (*TResult, error)) {
	catalog.RegisterMethod(gt, ordinal, methodName, fn)
}

// Stats is a point-in-time snapshot of server load.
type Stats struct {
	ConnCount    int
	ActiveGrains int
}

// Stats reports the server's current connection and grain counts.
func (s *Server) Stats() Stats {
	return Stats{ConnCount: s.sessions.Count(), ActiveGrains: s.grains.ActiveCount()}
}

// Addr returns the UDP address the listener is bound to, or "" if
// ListenAndServe has not opened the socket yet. Useful when Bind names
// an ephemeral port ("127.0.0.1:0") and the caller needs to learn which
// port was actually chosen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.LocalAddr()
}

// ListenAndServe opens the UDP listener and runs the accept loop,
// blocking until ctx is canceled or Close is called. It also starts the
// background session-idle sweep and grain eviction sweep.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := udpconn.Listen(s.cfg.Bind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sessions.RunSweep(s.cfg.SweepInterval, s.onSessionIdle)
	}()
	go func() {
		defer s.wg.Done()
		s.grains.RunEvictionSweep()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stopCh:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) onSessionIdle(connID string, sess *session.Session) {
	s.mu.RLock()
	cs, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.sendDisconnect(cs.conn, wire.ReasonIdleTimeout, "no traffic within idle deadline")
	cs.conn.Close()
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (s *Server) verifyToken(hs wire.Handshake, now time.Time) (identity.UserIdentity, error) {
	if s.cfg.TokenKeys == nil {
		return identity.UserIdentity{}, errNoTokenKeys
	}
	payload, err := token.Verify(hs.AuthToken, s.cfg.TokenKeys, token.VerifyOptions{
		Now:      now,
		Audience: s.cfg.TokenAudience,
	})
	if err != nil {
		return identity.UserIdentity{}, err
	}
	role, _ := identity.ParseRole(roleNames[payload.Role])
	return identity.UserIdentity{
		UserID:          payload.UserID,
		UserName:        payload.UserName,
		Role:            role,
		AuthenticatedAt: now,
		ConnectionID:    payload.ConnectionID,
	}, nil
}

var errNoTokenKeys = errors.New("server: no token keys configured")

var roleNames = map[uint8]string{
	0: "Anonymous",
	1: "Guest",
	2: "User",
	3: "Server",
	4: "Admin",
}

func (s *Server) sendDisconnect(conn transport.Conn, reason wire.DisconnectReason, text string) {
	body, err := json.Marshal(wire.Disconnect{Reason: reason, Text: text})
	if err != nil {
		return
	}
	_ = conn.SendFrame(wire.KindDisconnect, body)
}

func (s *Server) handleConn(conn transport.Conn) {
	connID := conn.RemoteID()
	sess := session.NewServer(s.cfg.Session, time.Now())

	kind, body, err := conn.RecvFrame()
	if err != nil {
		conn.Close()
		return
	}
	if kind != wire.KindHandshake {
		s.sendDisconnect(conn, wire.ReasonProtocolError, "expected Handshake as first frame")
		conn.Close()
		return
	}
	hs, err := wire.DecodeHandshake(body)
	if err != nil {
		s.sendDisconnect(conn, wire.ReasonProtocolError, "malformed handshake")
		conn.Close()
		return
	}
	if hs.ProtocolVersion != wire.ProtocolVersion {
		s.sendDisconnect(conn, wire.ReasonProtocolVersionMismatch, "unsupported protocol version")
		conn.Close()
		return
	}
	now := time.Now()
	if err := sess.RecvHandshake(hs.ClientID, now); err != nil {
		s.sendDisconnect(conn, wire.ReasonProtocolError, err.Error())
		conn.Close()
		return
	}
	if hs.AuthToken != "" {
		id, err := s.verifyToken(hs, now)
		if err != nil {
			s.logger.Warn("handshake token rejected", "conn_id", connID, "client_id", hs.ClientID, "err", err)
			s.sendDisconnect(conn, wire.ReasonAuthFailure, "token verification failed")
			conn.Close()
			return
		}
		if err := sess.BindIdentity(id); err != nil {
			s.sendDisconnect(conn, wire.ReasonAuthFailure, err.Error())
			conn.Close()
			return
		}
	}

	ack := wire.HandshakeAck{
		ServerID: s.cfg.ServerID,
		Manifest: s.manifest.Payload(),
		Zone:     s.cfg.Zone,
		ZoneMap:  s.cfg.ZoneMap,
	}
	ackBody, err := json.Marshal(ack)
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.SendFrame(wire.KindHandshakeAck, ackBody); err != nil {
		conn.Close()
		return
	}

	s.sessionObsMu.RLock()
	obs := s.sessionObs
	s.sessionObsMu.RUnlock()
	obs.HandshakeCompleted()

	s.sessions.Add(connID, sess)
	s.mu.Lock()
	s.conns[connID] = &connState{conn: conn, sess: sess, connID: connID}
	s.mu.Unlock()

	s.logger.Info("session established", "conn_id", connID, "client_id", hs.ClientID)

	var reqWg sync.WaitGroup
readLoop:
	for {
		kind, body, err := conn.RecvFrame()
		if err != nil {
			break
		}
		now := time.Now()
		switch kind {
		case wire.KindRequest:
			_ = sess.Touch(now)
			reqWg.Add(1)
			// RouteFrame is called synchronously, one frame at a time, in the
			// order RecvFrame returns them: that's what preserves transport
			// arrival order for requests to the same grain, since RouteFrame
			// decides each request's position in its grain's FIFO queue
			// before the grain invocation itself runs (possibly concurrently
			// with invocations for other grains) off this loop's goroutine.
			// RouteFrame always calls reqWg.Done exactly once, whether it
			// fails fast or schedules work that finishes later.
			if err := s.dispatch.RouteFrame(context.Background(), sess.Identity(), body, conn, reqWg.Done); err != nil {
				s.logger.Warn("request routing failed", "conn_id", connID, "err", err)
			}
		case wire.KindHeartbeat:
			_ = sess.Touch(now)
			obs.HeartbeatReceived()
		case wire.KindDisconnect:
			d, _ := wire.DecodeDisconnect(body)
			s.logger.Info("client disconnected", "conn_id", connID, "reason", d.Reason)
			break readLoop
		default:
			s.logger.Warn("unexpected frame kind from client", "conn_id", connID, "kind", kind.String())
		}
	}
	reqWg.Wait()
	reason, text := sess.CloseReason()
	if reason == "" {
		reason = wire.ReasonProtocolError
		text = "connection closed"
	}
	sess.Close(reason, text)
	s.sessions.Remove(connID)
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	conn.Close()
}

// Close stops the accept loop, the background sweeps, and every open
// connection. Idempotent.
func (s *Server) Close() error {
	var firstErr error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.RLock()
		ln := s.ln
		s.mu.RUnlock()
		if ln != nil {
			if err := ln.Close(); err != nil {
				firstErr = err
			}
		}
		s.sessions.Stop()
		s.grains.Stop()

		s.mu.Lock()
		conns := s.conns
		s.conns = make(map[string]*connState)
		s.mu.Unlock()
		for _, cs := range conns {
			s.sendDisconnect(cs.conn, wire.ReasonGraceful, "server shutting down")
			cs.conn.Close()
		}
		s.wg.Wait()
	})
	return firstErr
}
