// Package e2e exercises the client and server packages together over
// real loopback UDP, with no mocked transport: handshake, zone-aware
// routing, authorization denial and override, request timeouts, and
// connection loss.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/floegence/grainrpc/authz"
	"github.com/floegence/grainrpc/client"
	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/identity"
	"github.com/floegence/grainrpc/identity/token"
	"github.com/floegence/grainrpc/server"
	"github.com/floegence/grainrpc/session"
	"github.com/floegence/grainrpc/transport"
	"github.com/floegence/grainrpc/transport/udpconn"
	"github.com/floegence/grainrpc/wire"
)

func startServer(t *testing.T, s *server.Server) string {
	t.Helper()
	go func() {
		_ = s.ListenAndServe(context.Background())
	}()
	t.Cleanup(func() { s.Close() })

	var addr string
	for i := 0; i < 200; i++ {
		if a := s.Addr(); a != "" {
			addr = a
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound a listen address")
	}
	return addr
}

// --- Scenario 1: happy path ---

type pingGrain struct{ key string }

type pingArg struct {
	Message string `json:"message"`
}

type pingResult struct {
	Echo string `json:"echo"`
}

type iPing interface {
	Ping(arg pingArg) (pingResult, error)
	Pong(arg pingArg) (pingResult, error)
}

func TestHappyPath(t *testing.T) {
	s := server.New(server.DefaultConfig("server-a", "127.0.0.1:0"))
	d := s.RegisterInterface("IPing", "PingGrain", reflect.TypeOf((*iPing)(nil)).Elem(), nil)
	gt := server.RegisterGrainType(s, "PingGrain", func(key string) (*pingGrain, error) { return &pingGrain{key: key}, nil })
	pingOrdinal, ok := d.Ordinal("Ping")
	if !ok || pingOrdinal != 0 {
		t.Fatalf("Ordinal(Ping) = (%d, %v), want (0, true)", pingOrdinal, ok)
	}
	server.RegisterMethod(gt, pingOrdinal, "Ping", func(_ context.Context, _ *pingGrain, arg *pingArg) (*pingResult, error) {
		return &pingResult{Echo: strings.ToUpper(arg.Message)}, nil
	})
	pongOrdinal, _ := d.Ordinal("Pong")
	server.RegisterMethod(gt, pongOrdinal, "Pong", func(_ context.Context, _ *pingGrain, arg *pingArg) (*pingResult, error) {
		return &pingResult{Echo: arg.Message}, nil
	})

	addr := startServer(t, s)

	c := client.New(client.DefaultConfig("client-1"))
	defer c.Close()
	if _, err := c.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ordinal, ok := c.Registry().Ordinal("IPing", "Ping")
	if !ok || ordinal != 0 {
		t.Fatalf("client Ordinal(Ping) = (%d, %v), want (0, true)", ordinal, ok)
	}

	result, err := client.InvokeTyped[pingArg, pingResult](context.Background(), c, "IPing", "grain-1", ordinal, pingArg{Message: "hi"}, time.Second)
	if err != nil {
		t.Fatalf("InvokeTyped: %v", err)
	}
	if result.Echo != "HI" {
		t.Fatalf("Echo = %q, want HI", result.Echo)
	}
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}
}

// --- Scenario 2: zone routing ---

type zoneGrain struct{ serverID string }

type zoneArg struct{}

type zoneResult struct {
	ServerID string `json:"server_id"`
}

type iZone interface {
	Where(arg zoneArg) (zoneResult, error)
}

func registerZoneGrain(s *server.Server, serverID string) {
	d := s.RegisterInterface("IZone", "ZoneGrain", reflect.TypeOf((*iZone)(nil)).Elem(), nil)
	gt := server.RegisterGrainType(s, "ZoneGrain", func(key string) (*zoneGrain, error) {
		return &zoneGrain{serverID: serverID}, nil
	})
	ordinal, _ := d.Ordinal("Where")
	server.RegisterMethod(gt, ordinal, "Where", func(_ context.Context, g *zoneGrain, _ *zoneArg) (*zoneResult, error) {
		return &zoneResult{ServerID: g.serverID}, nil
	})
}

func TestZoneRouting(t *testing.T) {
	zoneMap := []wire.ZoneServer{
		{Zone: wire.ZoneCoord{X: 0, Y: 0}, ServerID: "server-a"},
		{Zone: wire.ZoneCoord{X: 1, Y: 0}, ServerID: "server-b"},
	}

	cfgA := server.DefaultConfig("server-a", "127.0.0.1:0")
	cfgA.Zone = &wire.ZoneCoord{X: 0, Y: 0}
	cfgA.ZoneMap = zoneMap
	sa := server.New(cfgA)
	registerZoneGrain(sa, "server-a")
	addrA := startServer(t, sa)

	cfgB := server.DefaultConfig("server-b", "127.0.0.1:0")
	cfgB.Zone = &wire.ZoneCoord{X: 1, Y: 0}
	cfgB.ZoneMap = zoneMap
	sb := server.New(cfgB)
	registerZoneGrain(sb, "server-b")
	addrB := startServer(t, sb)

	c := client.New(client.DefaultConfig("client-1"))
	defer c.Close()
	if _, err := c.Connect(context.Background(), addrA); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	if _, err := c.Connect(context.Background(), addrB); err != nil {
		t.Fatalf("Connect B: %v", err)
	}

	ordinal, ok := c.Registry().Ordinal("IZone", "Where")
	if !ok {
		t.Fatalf("Ordinal(Where) not found")
	}

	result, err := client.InvokeTyped[zoneArg, zoneResult](context.Background(), c, "IZone", "zone:1,0:region-1", ordinal, zoneArg{}, time.Second)
	if err != nil {
		t.Fatalf("InvokeTyped: %v", err)
	}
	if result.ServerID != "server-b" {
		t.Fatalf("ServerID = %q, want server-b (request should have routed to B)", result.ServerID)
	}
}

// --- Scenario 3: authorization denial ---

type adminGrain struct{}

type emptyArg struct{}

type emptyResult struct{}

type iAdmin interface {
	Info(arg emptyArg) (emptyResult, error)
	Ping(arg emptyArg) (emptyResult, error)
	Shutdown(arg emptyArg) (emptyResult, error)
}

func TestAuthorizationDenial(t *testing.T) {
	issuer, err := token.NewRandomIssuer("k1")
	if err != nil {
		t.Fatalf("NewRandomIssuer: %v", err)
	}

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	cfg := server.DefaultConfig("server-1", "127.0.0.1:0")
	cfg.Logger = logger
	cfg.TokenKeys = issuer.PublicKeys()
	cfg.TokenAudience = "grainrpc"
	s := server.New(cfg)

	d := s.RegisterInterface("IAdmin", "AdminGrain", reflect.TypeOf((*iAdmin)(nil)).Elem(), nil)
	gt := server.RegisterGrainType(s, "AdminGrain", func(key string) (*adminGrain, error) { return &adminGrain{}, nil })
	infoOrdinal, _ := d.Ordinal("Info")
	server.RegisterMethod(gt, infoOrdinal, "Info", func(_ context.Context, _ *adminGrain, _ *emptyArg) (*emptyResult, error) {
		return &emptyResult{}, nil
	})
	pingOrdinal, _ := d.Ordinal("Ping")
	server.RegisterMethod(gt, pingOrdinal, "Ping", func(_ context.Context, _ *adminGrain, _ *emptyArg) (*emptyResult, error) {
		return &emptyResult{}, nil
	})
	shutdownOrdinal, ok := d.Ordinal("Shutdown")
	if !ok || shutdownOrdinal != 2 {
		t.Fatalf("Ordinal(Shutdown) = (%d, %v), want (2, true)", shutdownOrdinal, ok)
	}
	server.RegisterMethod(gt, shutdownOrdinal, "Shutdown", func(_ context.Context, _ *adminGrain, _ *emptyArg) (*emptyResult, error) {
		return &emptyResult{}, nil
	})
	s.SetMethodAttributes("IAdmin", shutdownOrdinal, "AdminGrain", authz.RequireRole(identity.RoleAdmin))

	addr := startServer(t, s)

	now := time.Now()
	tok, err := issuer.Sign(token.Payload{
		Aud:      "grainrpc",
		UserID:   "u1",
		UserName: "alice",
		Role:     uint8(identity.RoleUser),
		Iat:      now.Unix(),
		Exp:      now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cc := client.DefaultConfig("client-1")
	cc.AuthToken = tok
	c := client.New(cc)
	defer c.Close()
	if _, err := c.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	_, err = client.InvokeTyped[emptyArg, emptyResult](context.Background(), c, "IAdmin", "grain-1", shutdownOrdinal, emptyArg{}, time.Second)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected Shutdown to be denied for a User-role identity")
	}
	if code, ok := grainerrors.CodeOf(err); !ok || code != grainerrors.CodeDenied {
		t.Fatalf("CodeOf(err) = (%v, %v), want (denied, true)", code, ok)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("denial took %v, expected well under the deadline", elapsed)
	}
	if s.Stats().ActiveGrains != 0 {
		t.Fatalf("ActiveGrains = %d, want 0 (no activation for a denied call)", s.Stats().ActiveGrains)
	}

	logged := logBuf.String()
	if !strings.Contains(logged, "user_id=u1") {
		t.Fatalf("expected log to contain user_id=u1, got: %s", logged)
	}
	if !strings.Contains(logged, "method=Shutdown") {
		t.Fatalf("expected log to contain method=Shutdown, got: %s", logged)
	}
}

// --- Scenario 4: AllowAnonymous override ---

type infoGrain struct{ version string }

type versionResult struct {
	Version string `json:"version"`
}

type iInfo interface {
	Version(arg emptyArg) (versionResult, error)
}

func TestAllowAnonymousOverride(t *testing.T) {
	s := server.New(server.DefaultConfig("server-1", "127.0.0.1:0"))
	d := s.RegisterInterface("IInfo", "InfoGrain", reflect.TypeOf((*iInfo)(nil)).Elem(), nil)
	s.SetInterfaceAttributes("IInfo", authz.AuthorizeAttr())

	gt := server.RegisterGrainType(s, "InfoGrain", func(key string) (*infoGrain, error) {
		return &infoGrain{version: "grainrpc-demo/1.0"}, nil
	})
	ordinal, _ := d.Ordinal("Version")
	server.RegisterMethod(gt, ordinal, "Version", func(_ context.Context, g *infoGrain, _ *emptyArg) (*versionResult, error) {
		return &versionResult{Version: g.version}, nil
	})
	s.SetMethodAttributes("IInfo", ordinal, "InfoGrain", authz.AllowAnonymous())

	addr := startServer(t, s)

	c := client.New(client.DefaultConfig("client-1")) // no AuthToken: anonymous session
	defer c.Close()
	if _, err := c.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := client.InvokeTyped[emptyArg, versionResult](context.Background(), c, "IInfo", "grain-1", ordinal, emptyArg{}, time.Second)
	if err != nil {
		t.Fatalf("InvokeTyped: %v", err)
	}
	if result.Version != "grainrpc-demo/1.0" {
		t.Fatalf("Version = %q, want grainrpc-demo/1.0", result.Version)
	}
}

// --- Scenario 5: timeout then late response ---

// fakeServer drives one side of the handshake/request/response protocol
// over a real UDP loopback listener, for scenarios that need to control
// server-side timing precisely.
type fakeServer struct {
	l *udpconn.Listener
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	l, err := udpconn.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return &fakeServer{l: l}
}

func (f *fakeServer) addr() string { return f.l.LocalAddr() }

func (f *fakeServer) acceptAndHandshake(t *testing.T, serverID string) transport.Conn {
	t.Helper()
	conn, err := f.l.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	kind, body, err := conn.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame handshake: %v", err)
	}
	if kind != wire.KindHandshake {
		t.Fatalf("expected Handshake, got %v", kind)
	}
	if _, err := wire.DecodeHandshake(body); err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	ack := wire.HandshakeAck{
		ServerID: serverID,
		Manifest: wire.ManifestPayload{
			Interfaces:       []wire.InterfaceDescriptor{{InterfaceID: "IPing", Methods: []string{"Ping"}}},
			InterfaceToGrain: []wire.InterfaceGrainBinding{{InterfaceID: "IPing", GrainType: "PingGrain"}},
		},
	}
	ackBody, err := json.Marshal(ack)
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	if err := conn.SendFrame(wire.KindHandshakeAck, ackBody); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	return conn
}

func TestTimeoutThenLateResponse(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.l.Close()

	cfg := client.DefaultConfig("client-1")
	cfg.TimeoutSweepResolution = 10 * time.Millisecond
	c := client.New(cfg)
	defer c.Close()

	serverReady := make(chan transport.Conn, 1)
	go func() {
		conn := fs.acceptAndHandshake(t, "server-1")
		kind, body, err := conn.RecvFrame()
		if err == nil && kind == wire.KindRequest {
			req, decErr := wire.DecodeRequest(body)
			if decErr == nil {
				time.Sleep(200 * time.Millisecond)
				payload, _ := json.Marshal(pingResult{Echo: "too late"})
				resp := wire.Response{MessageID: req.MessageID, Status: wire.StatusOK, Payload: payload}
				respBody, _ := json.Marshal(resp)
				_ = conn.SendFrame(wire.KindResponse, respBody)
			}
		}
		serverReady <- conn
	}()

	if _, err := c.Connect(context.Background(), fs.addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	_, err := client.InvokeTyped[pingArg, pingResult](context.Background(), c, "IPing", "grain-1", 0, pingArg{Message: "hi"}, 100*time.Millisecond)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected a local timeout")
	}
	if code, ok := grainerrors.CodeOf(err); !ok || code != grainerrors.CodeTimeout {
		t.Fatalf("CodeOf(err) = (%v, %v), want (timeout, true)", code, ok)
	}
	if elapsed < 90*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("timeout fired at %v, want ~100ms", elapsed)
	}

	conn := <-serverReady
	defer conn.Close()

	// The late response (sent ~200ms after the request) arrives well
	// after the timeout fired; it must be dropped without panicking the
	// client and without completing a second time.
	time.Sleep(250 * time.Millisecond)
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0 after the late response was dropped", got)
	}
}

// --- Scenario 6: connection loss fails pending ---

func TestConnectionLossFailsPending(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.l.Close()

	// UDP carries no connection-close signal, so a dropped transport is
	// only observable once the server's silence exceeds the session's
	// idle deadline; use a short one so the test doesn't have to wait
	// out the 30s production default.
	cfg := client.DefaultConfig("client-1")
	cfg.Session = session.Config{
		HeartbeatInterval:     20 * time.Millisecond,
		IdleDisconnect:        60 * time.Millisecond,
		HeartbeatMissedFactor: 2,
	}
	cfg.SweepInterval = 10 * time.Millisecond
	c := client.New(cfg)
	defer c.Close()

	serverDone := make(chan transport.Conn, 1)
	go func() {
		conn := fs.acceptAndHandshake(t, "server-1")
		for i := 0; i < 3; i++ {
			if _, _, err := conn.RecvFrame(); err != nil {
				break
			}
		}
		// Simulate the transport dropping out from under the client: the
		// server stops responding to anything, including heartbeats,
		// without ever answering the three in-flight requests.
		conn.Close()
		serverDone <- conn
	}()

	if _, err := c.Connect(context.Background(), fs.addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	type outcome struct {
		err error
	}
	results := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		go func(n int) {
			_, err := client.InvokeTyped[pingArg, pingResult](context.Background(), c, "IPing", "grain-1", 0, pingArg{Message: "hi"}, 5*time.Second)
			results <- outcome{err: err}
		}(i)
	}

	for i := 0; i < 3; i++ {
		o := <-results
		if o.err == nil {
			t.Fatal("expected ConnectionLost for a dropped transport")
		}
		if code, ok := grainerrors.CodeOf(o.err); !ok || code != grainerrors.CodeConnectionLost {
			t.Fatalf("CodeOf(err) = (%v, %v), want (connection_lost, true)", code, ok)
		}
	}
	<-serverDone

	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0 after connection loss", got)
	}
	if providers := c.Registry().Providers("IPing"); len(providers) != 0 {
		t.Fatalf("Providers(IPing) = %v, want empty after the lost server's manifest is purged", providers)
	}

	// Reconnecting under the same server id repopulates the manifest
	// from scratch.
	fs2 := newFakeServer(t)
	defer fs2.l.Close()
	go fs2.acceptAndHandshake(t, "server-1")
	if _, err := c.Connect(context.Background(), fs2.addr()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if providers := c.Registry().Providers("IPing"); len(providers) != 1 {
		t.Fatalf("Providers(IPing) after reconnect = %v, want 1 entry", providers)
	}
}
