// Package client is the embedding API for grainrpc: connect to one or
// more servers, keep each connection's session and heartbeat alive, and
// invoke grain methods through the dispatch engine's server selection.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/floegence/grainrpc/dispatch"
	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/manifest"
	"github.com/floegence/grainrpc/observability"
	"github.com/floegence/grainrpc/session"
	"github.com/floegence/grainrpc/transport"
	"github.com/floegence/grainrpc/transport/udpconn"
	"github.com/floegence/grainrpc/wire"
)

// Config carries the knobs a connecting client needs: its own
// identifier, the session liveness settings, and the
// dispatch engine's timeout/back-pressure settings.
type Config struct {
	ClientID                string
	Session                 session.Config
	DefaultTimeout          time.Duration // per-invocation default when an Invocation gives none
	TimeoutSweepResolution  time.Duration
	MaxPendingPerConnection int
	// SweepInterval governs how often a connected server's silence is
	// checked against the session's idle deadline; a server that goes
	// quiet longer than that deadline is dropped the same way the
	// server side drops an idle client.
	SweepInterval time.Duration
	// AuthToken is an optional signed identity/token string carried on
	// every handshake this client sends; a server with a matching key
	// lookup binds the resulting identity to the session.
	AuthToken string
	Logger    *slog.Logger
}

// DefaultConfig returns the non-strict defaults.
func DefaultConfig(clientID string) Config {
	return Config{
		ClientID: clientID,
		Session: session.Config{
			HeartbeatInterval:     10 * time.Second,
			IdleDisconnect:        30 * time.Second,
			HeartbeatMissedFactor: 3,
		},
		DefaultTimeout:          30 * time.Second,
		TimeoutSweepResolution:  time.Second,
		MaxPendingPerConnection: 65536,
		SweepInterval:           time.Second,
	}
}

// serverLink pairs one open connection with the session state machine
// tracking it.
type serverLink struct {
	conn transport.Conn
	sess *session.Session
}

// Client is a connected grainrpc client: a Manifest Registry aggregating
// every server's manifest, a Dispatch Engine correlating requests with
// responses, and one serverLink per open connection.
type Client struct {
	cfg      Config
	registry *manifest.Registry
	dispatch *dispatch.Client
	sessions *session.Manager
	logger   *slog.Logger

	mu    sync.RWMutex
	links map[string]*serverLink // server_id -> link

	closeOnce sync.Once
	closeErr  error
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds a Client with no open connections. Call Connect to reach a
// server.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := manifest.NewRegistry(logger)
	c := &Client{
		cfg:      cfg,
		registry: registry,
		dispatch: dispatch.NewClient(registry, cfg.MaxPendingPerConnection, cfg.DefaultTimeout, cfg.TimeoutSweepResolution, logger),
		sessions: session.NewManager(logger),
		logger:   logger,
		links:    make(map[string]*serverLink),
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.dispatch.RunTimeoutWheel()
	}()
	go func() {
		defer c.wg.Done()
		c.sessions.RunSweep(cfg.SweepInterval, c.onServerIdle)
	}()
	return c
}

// SetObserver installs obs as the metrics sink for dispatch events on
// this client's requests.
func (c *Client) SetObserver(obs observability.DispatchObserver) {
	c.dispatch.SetObserver(obs)
}

// Connect dials addr over UDP, completes the handshake, and starts the
// background goroutines that keep the resulting connection alive:
// inbound frame routing and periodic heartbeats. It returns the
// server's declared ServerID.
func (c *Client) Connect(ctx context.Context, addr string) (string, error) {
	conn, err := udpconn.Dial(addr)
	if err != nil {
		return "", err
	}
	serverID, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	return serverID, nil
}

// ConnectConn completes the handshake over an already-open transport
// connection, for callers driving a transport (WebSocket, yamux) this
// package has no constructor for.
func (c *Client) ConnectConn(conn transport.Conn) (string, error) {
	serverID, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	return serverID, nil
}

func (c *Client) handshake(conn transport.Conn) (string, error) {
	sess := session.NewClient(c.cfg.Session, time.Now())
	if err := sess.SendHandshake(time.Now()); err != nil {
		return "", err
	}

	hs := wire.Handshake{ClientID: c.cfg.ClientID, ProtocolVersion: wire.ProtocolVersion, AuthToken: c.cfg.AuthToken}
	body, err := json.Marshal(hs)
	if err != nil {
		return "", grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeInternal, "handshake encode failed", err)
	}
	if err := conn.SendFrame(wire.KindHandshake, body); err != nil {
		return "", grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "handshake send failed", err)
	}

	kind, ackBody, err := conn.RecvFrame()
	if err != nil {
		return "", grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "handshake ack not received", err)
	}
	if kind != wire.KindHandshakeAck {
		return "", grainerrors.New(grainerrors.StageSession, grainerrors.CodeProtocolError, "expected HandshakeAck, got "+kind.String())
	}
	ack, err := wire.DecodeHandshakeAck(ackBody)
	if err != nil {
		return "", grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeProtocolError, "malformed handshake ack", err)
	}
	now := time.Now()
	if err := sess.RecvHandshakeAck(ack.ServerID, now); err != nil {
		return "", err
	}

	c.registry.Update(ack.ServerID, ack, now)
	c.dispatch.AddConnection(ack.ServerID, conn)
	c.sessions.Add(ack.ServerID, sess)

	c.mu.Lock()
	c.links[ack.ServerID] = &serverLink{conn: conn, sess: sess}
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.recvLoop(ack.ServerID, conn, sess)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(ack.ServerID, conn, sess)
	}()

	return ack.ServerID, nil
}

func (c *Client) recvLoop(serverID string, conn transport.Conn, sess *session.Session) {
	for {
		kind, body, err := conn.RecvFrame()
		if err != nil {
			c.dropServer(serverID, wire.ReasonProtocolError, err.Error())
			return
		}
		now := time.Now()
		switch kind {
		case wire.KindResponse:
			resp, err := wire.DecodeResponse(body)
			if err != nil {
				c.logger.Warn("malformed response frame", "server_id", serverID, "err", err)
				continue
			}
			_ = sess.Touch(now)
			c.dispatch.HandleResponse(resp)
		case wire.KindHeartbeat:
			_ = sess.Touch(now)
		case wire.KindDisconnect:
			d, _ := wire.DecodeDisconnect(body)
			c.logger.Info("server disconnected", "server_id", serverID, "reason", d.Reason, "text", d.Text)
			c.dropServer(serverID, d.Reason, d.Text)
			return
		default:
			c.logger.Warn("unexpected frame kind from server", "server_id", serverID, "kind", kind.String())
		}
	}
}

func (c *Client) heartbeatLoop(serverID string, conn transport.Conn, sess *session.Session) {
	interval := sess.HeartbeatInterval()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if sess.State() != session.StateReady {
				return
			}
			hb := wire.Heartbeat{SourceID: c.cfg.ClientID, TimestampUnixMs: time.Now().UnixMilli()}
			body, err := json.Marshal(hb)
			if err != nil {
				continue
			}
			if err := conn.SendFrame(wire.KindHeartbeat, body); err != nil {
				c.dropServer(serverID, wire.ReasonProtocolError, err.Error())
				return
			}
		}
	}
}

func (c *Client) dropServer(serverID string, reason wire.DisconnectReason, text string) {
	c.mu.Lock()
	link, ok := c.links[serverID]
	delete(c.links, serverID)
	c.mu.Unlock()
	if !ok {
		return
	}
	link.sess.Close(reason, text)
	link.conn.Close()
	c.sessions.Remove(serverID)
	c.dispatch.RemoveConnection(serverID)
}

// onServerIdle is the session manager's sweep callback: a server that
// has gone silent longer than its session's idle deadline is treated
// exactly like a transport error on that connection.
func (c *Client) onServerIdle(serverID string, _ *session.Session) {
	c.logger.Warn("server connection idle timeout", "server_id", serverID)
	c.dropServer(serverID, wire.ReasonIdleTimeout, "no traffic within idle deadline")
}

// Invoke runs one grain method call through the dispatch engine's server
// selection.
func (c *Client) Invoke(ctx context.Context, inv dispatch.Invocation) ([]byte, error) {
	return c.dispatch.Invoke(ctx, inv)
}

// InvokeTyped JSON-encodes arg, runs the invocation, and JSON-decodes the
// result into TResult.
func InvokeTyped[TArg, TResult any](ctx context.Context, c *Client, interfaceID, grainKey string, methodOrdinal uint32, arg TArg, timeout time.Duration) (TResult, error) {
	var zero TResult
	argBody, err := json.Marshal(arg)
	if err != nil {
		return zero, grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeInvalidArgument, "argument encode failed", err)
	}
	payload, err := c.Invoke(ctx, dispatch.Invocation{
		InterfaceID:   interfaceID,
		GrainKey:      grainKey,
		MethodOrdinal: methodOrdinal,
		Argument:      argBody,
		Timeout:       timeout,
	})
	if err != nil {
		return zero, err
	}
	var result TResult
	if len(payload) != 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return zero, grainerrors.Wrap(grainerrors.StageCodec, grainerrors.CodeInternal, "result decode failed", err)
		}
	}
	return result, nil
}

// PendingCount reports how many invocations are currently awaiting a
// response across every connection.
func (c *Client) PendingCount() int { return c.dispatch.PendingCount() }

// Registry exposes the client's manifest aggregation, e.g. for callers
// that need to resolve an ordinal before building an Invocation.
func (c *Client) Registry() *manifest.Registry { return c.registry }

// ConnectedServers lists the server ids currently holding an open
// connection.
func (c *Client) ConnectedServers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.links))
	for id := range c.links {
		out = append(out, id)
	}
	return out
}

// Close tears down every open connection and stops the dispatch engine's
// timeout wheel. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		links := c.links
		c.links = make(map[string]*serverLink)
		c.mu.Unlock()

		for serverID, link := range links {
			link.sess.Close(wire.ReasonGraceful, "client closing")
			if err := link.conn.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
			c.sessions.Remove(serverID)
			c.dispatch.RemoveConnection(serverID)
		}
		c.dispatch.Stop()
		c.sessions.Stop()
		c.wg.Wait()
	})
	return c.closeErr
}
