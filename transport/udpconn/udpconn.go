// Package udpconn implements transport.Conn over UDP datagrams.
//
// UDP framing is a grainrpc-external collaborator per the design notes:
// this package leans on the standard library's net.PacketConn rather
// than a third-party UDP toolkit, since none of the retrieved reference
// repositories ship a UDP RPC-framing library to adopt instead.
package udpconn

import (
	"bytes"
	"net"
	"sync"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/transport"
	"github.com/floegence/grainrpc/wire"
)

const maxDatagramBytes = 64 * 1024

// Conn is a client-side UDP transport.Conn bound to a single remote
// address via a connected socket.
type Conn struct {
	pc     net.Conn
	readMu sync.Mutex
}

// Dial opens a connected UDP socket to addr.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("udp", addr)
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp dial failed", err)
	}
	return &Conn{pc: c}, nil
}

func (c *Conn) SendFrame(kind wire.Kind, body []byte) error {
	var buf bytes.Buffer
	if err := wire.WriteFrame(&buf, kind, body); err != nil {
		return err
	}
	_, err := c.pc.Write(buf.Bytes())
	if err != nil {
		return grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp write failed", err)
	}
	return nil
}

func (c *Conn) RecvFrame() (wire.Kind, []byte, error) {
	buf := make([]byte, maxDatagramBytes)
	c.readMu.Lock()
	n, err := c.pc.Read(buf)
	c.readMu.Unlock()
	if err != nil {
		return 0, nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp read failed", err)
	}
	return wire.ReadFrame(bytes.NewReader(buf[:n]), maxDatagramBytes)
}

func (c *Conn) Close() error { return c.pc.Close() }

func (c *Conn) RemoteID() string { return c.pc.RemoteAddr().String() }

// Listener demultiplexes inbound datagrams on one shared net.PacketConn
// into a transport.Conn per remote address, the way a UDP-facing grainrpc
// server must: sockets are not per-peer the way TCP accepts one.
type Listener struct {
	pc net.PacketConn

	mu    sync.Mutex
	peers map[string]*peerConn

	acceptCh chan *peerConn
	closed   bool
}

// Listen opens a UDP socket bound to addr and starts demultiplexing.
func Listen(addr string) (*Listener, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp listen failed", err)
	}
	l := &Listener{
		pc:       pc,
		peers:    make(map[string]*peerConn),
		acceptCh: make(chan *peerConn, 64),
	}
	go l.readLoop()
	return l, nil
}

// LocalAddr returns the address the listener's shared socket is bound
// to, e.g. to discover the ephemeral port chosen for "127.0.0.1:0".
func (l *Listener) LocalAddr() string { return l.pc.LocalAddr().String() }

// Accept returns the next newly observed peer connection.
func (l *Listener) Accept() (transport.Conn, error) {
	c, ok := <-l.acceptCh
	if !ok {
		return nil, grainerrors.New(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp listener closed")
	}
	return c, nil
}

func (l *Listener) readLoop() {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			l.mu.Lock()
			if !l.closed {
				l.closed = true
				close(l.acceptCh)
				for _, p := range l.peers {
					p.closeWithErr(err)
				}
			}
			l.mu.Unlock()
			return
		}
		body := make([]byte, n)
		copy(body, buf[:n])

		key := addr.String()
		l.mu.Lock()
		p, ok := l.peers[key]
		if !ok {
			p = newPeerConn(l.pc, addr)
			l.peers[key] = p
			l.mu.Unlock()
			select {
			case l.acceptCh <- p:
			default:
			}
		} else {
			l.mu.Unlock()
		}
		p.deliver(body)
	}
}

// Close shuts down the listener's shared socket.
func (l *Listener) Close() error { return l.pc.Close() }

type peerConn struct {
	pc   net.PacketConn
	addr net.Addr

	recvCh chan []byte
	errCh  chan error

	closeOnce sync.Once
}

func newPeerConn(pc net.PacketConn, addr net.Addr) *peerConn {
	return &peerConn{
		pc:     pc,
		addr:   addr,
		recvCh: make(chan []byte, 256),
		errCh:  make(chan error, 1),
	}
}

func (p *peerConn) deliver(body []byte) {
	// The listener keeps routing this address's datagrams here after
	// Close has closed recvCh; those are dropped instead of panicking.
	defer func() { _ = recover() }()
	select {
	case p.recvCh <- body:
	default:
		// Receiver isn't keeping up; drop rather than block the shared
		// socket's read loop for every other peer.
	}
}

func (p *peerConn) closeWithErr(err error) {
	p.closeOnce.Do(func() {
		p.errCh <- err
		close(p.recvCh)
	})
}

func (p *peerConn) SendFrame(kind wire.Kind, body []byte) error {
	var buf bytes.Buffer
	if err := wire.WriteFrame(&buf, kind, body); err != nil {
		return err
	}
	_, err := p.pc.WriteTo(buf.Bytes(), p.addr)
	if err != nil {
		return grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp write failed", err)
	}
	return nil
}

func (p *peerConn) RecvFrame() (wire.Kind, []byte, error) {
	datagram, ok := <-p.recvCh
	if !ok {
		select {
		case err := <-p.errCh:
			return 0, nil, grainerrors.Wrap(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp peer closed", err)
		default:
			return 0, nil, grainerrors.New(grainerrors.StageTransport, grainerrors.CodeConnectionLost, "udp peer closed")
		}
	}
	return wire.ReadFrame(bytes.NewReader(datagram), maxDatagramBytes)
}

func (p *peerConn) Close() error {
	p.closeOnce.Do(func() { close(p.recvCh) })
	return nil
}

func (p *peerConn) RemoteID() string { return p.addr.String() }
