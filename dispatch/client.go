package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/manifest"
	"github.com/floegence/grainrpc/observability"
	"github.com/floegence/grainrpc/transport"
	"github.com/floegence/grainrpc/wire"
)

// Invocation is the input to Client.Invoke: everything an invoke
// needs to reach a grain method.
type Invocation struct {
	InterfaceID   string
	GrainKey      string
	MethodOrdinal uint32
	Argument      []byte
	Timeout       time.Duration // 0 means DefaultTimeout
}

// Client is the client-side half of the Dispatch Engine: it correlates
// requests with responses across however many server connections are
// currently open, using the Manifest Registry for server selection.
type Client struct {
	registry *manifest.Registry
	pending  *PendingMap
	logger   *slog.Logger
	observer observability.DispatchObserver

	mu    sync.RWMutex
	conns map[string]transport.Conn // server_id -> connection

	defaultTimeout  time.Duration
	sweepResolution time.Duration
	stopOnce        sync.Once
	stopCh          chan struct{}
}

// NewClient builds a Client dispatcher. defaultTimeout is applied when
// an Invocation gives none (30s by default). sweepResolution governs
// how often the timeout wheel checks pending deadlines; it should be no
// worse than half the minimum request timeout in use.
func NewClient(registry *manifest.Registry, maxPendingPerConnection int, defaultTimeout, sweepResolution time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		registry:        registry,
		pending:         NewPendingMap(maxPendingPerConnection),
		logger:          logger,
		observer:        observability.NoopDispatchObserver,
		conns:           make(map[string]transport.Conn),
		defaultTimeout:  defaultTimeout,
		sweepResolution: sweepResolution,
		stopCh:          make(chan struct{}),
	}
}

// SetObserver installs obs as the metrics sink for dispatch events.
// Passing nil restores the no-op observer.
func (c *Client) SetObserver(obs observability.DispatchObserver) {
	if obs == nil {
		obs = observability.NoopDispatchObserver
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
}

// AddConnection registers conn as the link to serverID. Call this after
// a successful handshake.
func (c *Client) AddConnection(serverID string, conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[serverID] = conn
}

// RemoveConnection drops serverID's connection and fails every pending
// request dispatched to it with ConnectionLost.
func (c *Client) RemoveConnection(serverID string) {
	c.mu.Lock()
	delete(c.conns, serverID)
	c.mu.Unlock()
	n := c.pending.FailConnection(serverID)
	if n > 0 {
		c.logger.Warn("connection lost, failed pending requests", "server_id", serverID, "count", n)
	}
	c.registry.Purge(serverID)
}

func (c *Client) connFor(serverID string) (transport.Conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[serverID]
	return conn, ok
}

// Invoke correlates and sends one request, blocking until a response
// arrives, the deadline expires, the connection is lost, or ctx is
// canceled.
func (c *Client) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	c.mu.RLock()
	obs := c.observer
	c.mu.RUnlock()

	serverID, err := SelectServer(c.registry, inv.InterfaceID, inv.GrainKey)
	if err != nil {
		return nil, err
	}
	conn, ok := c.connFor(serverID)
	if !ok {
		return nil, grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeNoProvider, "selected server has no open connection")
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	start := time.Now()
	messageID := uuid.NewString()
	resultCh, err := c.pending.Reserve(messageID, serverID, timeout, start)
	if err != nil {
		return nil, err
	}
	obs.PendingCount(c.pending.Count())

	req := wire.Request{
		MessageID:     messageID,
		InterfaceID:   inv.InterfaceID,
		GrainKey:      inv.GrainKey,
		MethodOrdinal: inv.MethodOrdinal,
		Argument:      inv.Argument,
		TimeoutMs:     uint32(timeout.Milliseconds()),
	}
	body, err := json.Marshal(req)
	if err != nil {
		c.pending.Remove(messageID)
		return nil, grainerrors.Wrap(grainerrors.StageDispatch, grainerrors.CodeInternal, "request encode failed", err)
	}
	if err := conn.SendFrame(wire.KindRequest, body); err != nil {
		c.pending.Remove(messageID)
		return nil, grainerrors.Wrap(grainerrors.StageDispatch, grainerrors.CodeConnectionLost, "send request failed", err)
	}

	select {
	case <-ctx.Done():
		c.pending.Remove(messageID)
		obs.Invoked(observability.DispatchResultCanceled, time.Since(start))
		return nil, grainerrors.Wrap(grainerrors.StageDispatch, grainerrors.CodeCanceled, "invocation canceled", ctx.Err())
	case res := <-resultCh:
		obs.Invoked(classifyResult(res), time.Since(start))
		return res.Payload, res.Err
	}
}

func classifyResult(res Result) observability.DispatchResult {
	if res.Err == nil {
		return observability.DispatchResultOK
	}
	switch code, _ := grainerrors.CodeOf(res.Err); code {
	case grainerrors.CodeTimeout:
		return observability.DispatchResultTimeout
	case grainerrors.CodeConnectionLost:
		return observability.DispatchResultConnectionLost
	case grainerrors.CodeDenied:
		return observability.DispatchResultDenied
	case grainerrors.CodeNoProvider:
		return observability.DispatchResultNoProvider
	case grainerrors.CodeOverloaded:
		return observability.DispatchResultOverloaded
	default:
		return observability.DispatchResultError
	}
}

// HandleResponse resolves the pending request named by resp's
// MessageID. Unknown ids (already resolved, timed out, or evicted) are
// dropped with a debug log.
func (c *Client) HandleResponse(resp wire.Response) {
	var result Result
	switch resp.Status {
	case wire.StatusOK:
		result = Result{Payload: resp.Payload}
	case wire.StatusDenied:
		reason := ""
		if resp.Error != nil {
			reason = resp.Error.Message
		}
		result = Result{Err: grainerrors.New(grainerrors.StageAuthz, grainerrors.CodeDenied, reason)}
	case wire.StatusTimeout:
		result = Result{Err: grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeTimeout, "server reported timeout")}
	default:
		code := grainerrors.CodeInternal
		reason := "request failed"
		if resp.Error != nil {
			reason = resp.Error.Message
			if resp.Error.Code != "" {
				code = grainerrors.Code(resp.Error.Code)
			}
		}
		result = Result{Err: grainerrors.New(grainerrors.StageDispatch, code, reason)}
	}
	if !c.pending.Resolve(resp.MessageID, result) {
		c.logger.Debug("dropped response for unknown or already-resolved message", "message_id", resp.MessageID)
	}
}

// RunTimeoutWheel runs the background timer that expires pending
// requests at the configured resolution, until Stop is called.
func (c *Client) RunTimeoutWheel() {
	resolution := c.sweepResolution
	if resolution <= 0 {
		resolution = time.Second
	}
	t := time.NewTicker(resolution)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.pending.SweepTimeouts(time.Now())
		}
	}
}

// Stop ends a running RunTimeoutWheel loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// PendingCount reports how many requests are currently in flight.
func (c *Client) PendingCount() int { return c.pending.Count() }
