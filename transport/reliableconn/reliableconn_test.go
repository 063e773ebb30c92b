package reliableconn

import (
	"net"
	"testing"

	"github.com/floegence/grainrpc/wire"
)

func TestReliableConnRoundTrip(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()

	type result struct {
		conn *Conn
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		c, err := OpenClient(clientRaw, nil, "server-1", 0)
		clientCh <- result{c, err}
	}()
	go func() {
		c, err := AcceptServer(serverRaw, nil, "client-1", 0)
		serverCh <- result{c, err}
	}()

	clientRes := <-clientCh
	serverRes := <-serverCh
	if clientRes.err != nil {
		t.Fatalf("OpenClient: %v", clientRes.err)
	}
	if serverRes.err != nil {
		t.Fatalf("AcceptServer: %v", serverRes.err)
	}
	defer clientRes.conn.Close()
	defer serverRes.conn.Close()

	if err := clientRes.conn.SendFrame(wire.KindHeartbeat, []byte("ping")); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	kind, body, err := serverRes.conn.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if kind != wire.KindHeartbeat || string(body) != "ping" {
		t.Fatalf("unexpected frame: %v %q", kind, body)
	}

	if serverRes.conn.RemoteID() != "client-1" {
		t.Fatalf("expected RemoteID client-1, got %s", serverRes.conn.RemoteID())
	}
}
