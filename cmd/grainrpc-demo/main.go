// Command grainrpc-demo runs a grainrpc server hosting a trivial Ping
// grain over UDP, for manual smoke testing and as a template for wiring
// a real deployment together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/grainrpc/authz"
	"github.com/floegence/grainrpc/observability"
	"github.com/floegence/grainrpc/observability/prom"
	"github.com/floegence/grainrpc/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

type pingGrain struct{ key string }

type pingArg struct {
	Message string `json:"message"`
}

type pingResult struct {
	Echo     string `json:"echo"`
	GrainKey string `json:"grain_key"`
}

type iPing interface {
	Ping(arg pingArg) (pingResult, error)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	serverID := envString("GRAINRPC_SERVER_ID", "demo-server")
	listen := envString("GRAINRPC_LISTEN", "127.0.0.1:7777")
	metricsListen := envString("GRAINRPC_METRICS_LISTEN", "")
	strict, err := envBoolWithErr("GRAINRPC_STRICT", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid GRAINRPC_STRICT: %v\n", err)
		return 2
	}
	evictionIdle, err := envDurationWithErr("GRAINRPC_EVICTION_IDLE", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid GRAINRPC_EVICTION_IDLE: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("grainrpc-demo", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&serverID, "server-id", serverID, "this server's id, advertised in every handshake ack (env: GRAINRPC_SERVER_ID)")
	fs.StringVar(&listen, "listen", listen, "UDP listen address (env: GRAINRPC_LISTEN)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the Prometheus metrics server (empty disables) (env: GRAINRPC_METRICS_LISTEN)")
	fs.BoolVar(&strict, "strict", strict, "deny by default, requiring ClientAccessible for non-server callers (env: GRAINRPC_STRICT)")
	fs.DurationVar(&evictionIdle, "eviction-idle", evictionIdle, "deactivate idle grains after this duration (0 disables) (env: GRAINRPC_EVICTION_IDLE)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "grainrpc-demo %s (%s)\n", version, commit)
		return 0
	}

	cfg := server.DefaultConfig(serverID, listen)
	cfg.EvictionIdle = evictionIdle
	cfg.Logger = logger
	if strict {
		cfg = server.Strict(cfg)
	}

	srv := server.New(cfg)
	registerPingGrain(srv)

	sessionObs := observability.NewAtomicSessionObserver()
	dispatchObs := observability.NewAtomicDispatchObserver()
	authzObs := observability.NewAtomicAuthzObserver()
	catalogObs := observability.NewAtomicCatalogObserver()
	srv.SetSessionObserver(sessionObs)
	srv.SetAuthzObserver(authzObs)
	srv.SetCatalogObserver(catalogObs)

	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		reg := prom.NewRegistry()
		sessionObs.Set(prom.NewSessionObserver(reg))
		dispatchObs.Set(prom.NewDispatchObserver(reg))
		authzObs.Set(prom.NewAuthzObserver(reg))
		catalogObs.Set(prom.NewCatalogObserver(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = &http.Server{Handler: mux}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx) }()

	logger.Info("grainrpc-demo listening", "version", version, "listen", listen, "server_id", serverID, "strict", strict)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	cancel()
	_ = srv.Close()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return 0
}

func registerPingGrain(srv *server.Server) {
	d := srv.RegisterInterface("IPing", "PingGrain", reflect.TypeOf((*iPing)(nil)).Elem(), nil)
	ordinal, ok := d.Ordinal("Ping")
	if !ok {
		panic("grainrpc-demo: IPing descriptor missing Ping method")
	}
	gt := server.RegisterGrainType(srv, "PingGrain", func(key string) (*pingGrain, error) {
		return &pingGrain{key: key}, nil
	})
	server.RegisterMethod(gt, ordinal, "Ping", func(_ context.Context, g *pingGrain, arg *pingArg) (*pingResult, error) {
		return &pingResult{Echo: arg.Message, GrainKey: g.key}, nil
	})
	srv.SetMethodAttributes("IPing", ordinal, "PingGrain", authz.AllowAnonymous())
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBoolWithErr(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

func envDurationWithErr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
