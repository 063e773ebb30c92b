package dispatch

import (
	"sync"

	"github.com/floegence/grainrpc/wire"
)

// fakeConn is a minimal in-memory transport.Conn for dispatch tests: sent
// frames land in a channel the test can drain, and RecvFrame delivers
// whatever the test feeds into recvCh.
type fakeConn struct {
	remoteID string

	mu     sync.Mutex
	sent   []sentFrame
	recvCh chan recvResult
	closed bool
}

type sentFrame struct {
	kind wire.Kind
	body []byte
}

type recvResult struct {
	kind wire.Kind
	body []byte
	err  error
}

func newFakeConn(remoteID string) *fakeConn {
	return &fakeConn{remoteID: remoteID, recvCh: make(chan recvResult, 16)}
}

func (c *fakeConn) SendFrame(kind wire.Kind, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	c.sent = append(c.sent, sentFrame{kind: kind, body: cp})
	return nil
}

func (c *fakeConn) RecvFrame() (wire.Kind, []byte, error) {
	r := <-c.recvCh
	return r.kind, r.body, r.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RemoteID() string { return c.remoteID }

func (c *fakeConn) lastSent() (sentFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return sentFrame{}, false
	}
	return c.sent[len(c.sent)-1], true
}
