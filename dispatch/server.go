package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/floegence/grainrpc/authz"
	"github.com/floegence/grainrpc/catalog"
	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/identity"
	"github.com/floegence/grainrpc/manifest"
	"github.com/floegence/grainrpc/transport"
	"github.com/floegence/grainrpc/wire"
)

// Server is the server-side half of the Dispatch Engine: it resolves an
// inbound Request to a grain type via the manifest catalog, authorizes
// it, invokes the grain catalog, and frames a Response.
type Server struct {
	manifest *manifest.Catalog
	authz    *authz.Pipeline
	grains   *catalog.Catalog
	logger   *slog.Logger

	queuesMu sync.Mutex
	queues   map[catalog.GrainID]*grainQueue
}

// NewServer builds a Server dispatcher over the given manifest catalog,
// authorization pipeline, and grain catalog.
func NewServer(manifestCatalog *manifest.Catalog, pipeline *authz.Pipeline, grains *catalog.Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manifest: manifestCatalog,
		authz:    pipeline,
		grains:   grains,
		logger:   logger,
		queues:   make(map[catalog.GrainID]*grainQueue),
	}
}

// HandleRequest runs one inbound Request to completion and returns the
// Response to send back on the originating connection. It never returns
// an error itself: every failure is classified into the Response's
// error payload, since the caller's only remaining action is to frame
// and send it.
func (s *Server) HandleRequest(ctx context.Context, id identity.UserIdentity, req wire.Request) wire.Response {
	grainType, ok := s.manifest.GrainTypeFor(req.InterfaceID)
	if !ok {
		return errorResponse(req.MessageID, grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeUnknownMethod, "no grain type bound to interface "+req.InterfaceID))
	}

	methodName := ""
	if d, ok := s.manifest.Descriptor(req.InterfaceID); ok {
		methodName, _ = d.MethodName(req.MethodOrdinal)
	}

	decision := s.authz.Check(ctx, id, grainType, req.InterfaceID, req.MethodOrdinal, methodName)
	if !decision.Allowed {
		return wire.Response{
			MessageID: req.MessageID,
			Status:    wire.StatusDenied,
			Error:     &wire.RPCError{Code: string(grainerrors.CodeDenied), Message: decision.Reason},
		}
	}

	payload, err := s.grains.Invoke(authz.WithIdentity(ctx, id), catalog.GrainID{GrainType: grainType, GrainKey: req.GrainKey}, req.MethodOrdinal, json.RawMessage(req.Argument))
	if err != nil {
		return errorResponse(req.MessageID, err)
	}
	return wire.Response{MessageID: req.MessageID, Status: wire.StatusOK, Payload: payload}
}

// grainQueue is a per-GrainID FIFO of pending request tasks. Requests
// from one session to one grain must be applied in transport arrival
// order; since resolving which grain a Request targets can only happen
// after decoding it, RouteFrame itself must run synchronously in the
// caller's read loop, but the grain invocation it schedules does not —
// grainQueue lets different grains still run concurrently while same-grain
// work stays strictly ordered.
type grainQueue struct {
	tasks   []func()
	running bool
}

// enqueueForGrain appends task to id's queue, starting a drain goroutine
// if one isn't already running. Enqueue itself happens under queuesMu, so
// two calls to enqueueForGrain for the same id — made in the order their
// callers observed frames arrive — append to the queue in that same order.
func (s *Server) enqueueForGrain(id catalog.GrainID, task func()) {
	s.queuesMu.Lock()
	q, ok := s.queues[id]
	if !ok {
		q = &grainQueue{}
		s.queues[id] = q
	}
	q.tasks = append(q.tasks, task)
	start := !q.running
	if start {
		q.running = true
	}
	s.queuesMu.Unlock()

	if start {
		go s.drainGrainQueue(id, q)
	}
}

// drainGrainQueue runs q's tasks one at a time, in FIFO order, until the
// queue is empty, then removes it from the map. Removal and the decision
// to stop draining both happen under queuesMu, the same lock enqueueForGrain
// takes to look up-or-create a queue, so a queue can never be deleted out
// from under a task that's about to be appended to it.
func (s *Server) drainGrainQueue(id catalog.GrainID, q *grainQueue) {
	for {
		s.queuesMu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			delete(s.queues, id)
			s.queuesMu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.queuesMu.Unlock()

		task()
	}
}

// RouteFrame decodes an inbound Request frame and schedules it onto the
// target grain's FIFO queue; the queued task runs HandleRequest, encodes
// the Response, and writes it to conn. done is called once that task
// finishes (or immediately, if RouteFrame returns before scheduling one),
// so callers tracking in-flight work (e.g. for graceful shutdown) see
// completion even though the grain invocation itself runs asynchronously
// relative to this call. Callers MUST invoke RouteFrame synchronously, one
// frame at a time, in the order frames were received — that ordering,
// not anything inside RouteFrame, is what guarantees per-grain FIFO
// delivery, since the queue position a request lands in is decided here.
func (s *Server) RouteFrame(ctx context.Context, id identity.UserIdentity, body []byte, conn transport.Conn, done func()) error {
	if done == nil {
		done = func() {}
	}
	req, err := wire.DecodeRequest(body)
	if err != nil {
		done()
		return grainerrors.Wrap(grainerrors.StageDispatch, grainerrors.CodeProtocolError, "malformed request frame", err)
	}

	grainType, ok := s.manifest.GrainTypeFor(req.InterfaceID)
	if !ok {
		defer done()
		return s.sendResponse(conn, req, errorResponse(req.MessageID, grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeUnknownMethod, "no grain type bound to interface "+req.InterfaceID)))
	}
	grainID := catalog.GrainID{GrainType: grainType, GrainKey: req.GrainKey}

	s.enqueueForGrain(grainID, func() {
		defer done()
		resp := s.HandleRequest(ctx, id, req)
		if sendErr := s.sendResponse(conn, req, resp); sendErr != nil {
			s.logger.Warn("response send failed", "grain_type", grainType, "grain_key", req.GrainKey, "err", sendErr)
		}
	})
	return nil
}

// sendResponse frames and writes resp, unless req is FlagFireAndForget and
// resp succeeded, in which case nothing is sent.
func (s *Server) sendResponse(conn transport.Conn, req wire.Request, resp wire.Response) error {
	if req.Flags&wire.FlagFireAndForget != 0 && resp.Status == wire.StatusOK {
		return nil
	}
	respBody, err := json.Marshal(resp)
	if err != nil {
		return grainerrors.Wrap(grainerrors.StageDispatch, grainerrors.CodeInternal, "response encode failed", err)
	}
	return conn.SendFrame(wire.KindResponse, respBody)
}

func errorResponse(messageID string, err error) wire.Response {
	code := grainerrors.CodeInternal
	if c, ok := grainerrors.CodeOf(err); ok {
		code = c
	}
	status := wire.StatusError
	if code == grainerrors.CodeTimeout {
		status = wire.StatusTimeout
	}
	return wire.Response{
		MessageID: messageID,
		Status:    status,
		Error:     &wire.RPCError{Code: string(code), Message: err.Error()},
	}
}
