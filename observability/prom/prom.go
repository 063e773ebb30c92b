// Package prom exports grainrpc's observability events to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floegence/grainrpc/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionObserver exports session-lifecycle metrics to Prometheus.
type SessionObserver struct {
	connGauge     prometheus.Gauge
	handshakes    prometheus.Counter
	closeTotal    *prometheus.CounterVec
	heartbeats    prometheus.Counter
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grainrpc_session_connections",
			Help: "Current open session count.",
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grainrpc_session_handshakes_total",
			Help: "Completed handshakes.",
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grainrpc_session_close_total",
			Help: "Session closes by reason.",
		}, []string{"reason"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grainrpc_session_heartbeats_total",
			Help: "Heartbeats received.",
		}),
	}
	reg.MustRegister(o.connGauge, o.handshakes, o.closeTotal, o.heartbeats)
	return o
}

func (o *SessionObserver) ConnectionCount(n int)    { o.connGauge.Set(float64(n)) }
func (o *SessionObserver) HandshakeCompleted()      { o.handshakes.Inc() }
func (o *SessionObserver) Closed(reason observability.SessionCloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}
func (o *SessionObserver) HeartbeatReceived() { o.heartbeats.Inc() }

// DispatchObserver exports dispatch-engine metrics to Prometheus.
type DispatchObserver struct {
	pendingGauge  prometheus.Gauge
	invokedTotal  *prometheus.CounterVec
	invokeLatency prometheus.Histogram
	evictedTotal  *prometheus.CounterVec
}

// NewDispatchObserver registers dispatch metrics on the registry.
func NewDispatchObserver(reg *prometheus.Registry) *DispatchObserver {
	o := &DispatchObserver{
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grainrpc_dispatch_pending_requests",
			Help: "Currently in-flight requests.",
		}),
		invokedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grainrpc_dispatch_invocations_total",
			Help: "Client invocations by outcome.",
		}, []string{"result"}),
		invokeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grainrpc_dispatch_invocation_latency_seconds",
			Help:    "Client invocation latency.",
			Buckets: prometheus.DefBuckets,
		}),
		evictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grainrpc_dispatch_pending_evicted_total",
			Help: "Pending requests resolved by the timeout wheel or connection loss.",
		}, []string{"reason"}),
	}
	reg.MustRegister(o.pendingGauge, o.invokedTotal, o.invokeLatency, o.evictedTotal)
	return o
}

func (o *DispatchObserver) PendingCount(n int) { o.pendingGauge.Set(float64(n)) }
func (o *DispatchObserver) Invoked(result observability.DispatchResult, d time.Duration) {
	o.invokedTotal.WithLabelValues(string(result)).Inc()
	o.invokeLatency.Observe(d.Seconds())
}
func (o *DispatchObserver) Evicted(reason observability.DispatchResult) {
	o.evictedTotal.WithLabelValues(string(reason)).Inc()
}

// AuthzObserver exports authorization-pipeline metrics to Prometheus.
type AuthzObserver struct {
	checkedTotal *prometheus.CounterVec
}

// NewAuthzObserver registers authz metrics on the registry.
func NewAuthzObserver(reg *prometheus.Registry) *AuthzObserver {
	o := &AuthzObserver{
		checkedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grainrpc_authz_checks_total",
			Help: "Authorization checks by decision.",
		}, []string{"decision"}),
	}
	reg.MustRegister(o.checkedTotal)
	return o
}

func (o *AuthzObserver) Checked(decision observability.AuthzDecision) {
	o.checkedTotal.WithLabelValues(string(decision)).Inc()
}

// CatalogObserver exports grain-catalog metrics to Prometheus.
type CatalogObserver struct {
	activeGauge     prometheus.Gauge
	activatedTotal  *prometheus.CounterVec
	deactivatedTotal *prometheus.CounterVec
	panicTotal      *prometheus.CounterVec
}

// NewCatalogObserver registers catalog metrics on the registry.
func NewCatalogObserver(reg *prometheus.Registry) *CatalogObserver {
	o := &CatalogObserver{
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grainrpc_catalog_active_grains",
			Help: "Currently active grain instances.",
		}),
		activatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grainrpc_catalog_activated_total",
			Help: "Grain activations by grain type.",
		}, []string{"grain_type"}),
		deactivatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grainrpc_catalog_deactivated_total",
			Help: "Grain deactivations by grain type.",
		}, []string{"grain_type"}),
		panicTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grainrpc_catalog_handler_panics_total",
			Help: "Recovered handler panics by grain type.",
		}, []string{"grain_type"}),
	}
	reg.MustRegister(o.activeGauge, o.activatedTotal, o.deactivatedTotal, o.panicTotal)
	return o
}

func (o *CatalogObserver) ActiveGrains(n int)        { o.activeGauge.Set(float64(n)) }
func (o *CatalogObserver) Activated(grainType string)   { o.activatedTotal.WithLabelValues(grainType).Inc() }
func (o *CatalogObserver) Deactivated(grainType string) { o.deactivatedTotal.WithLabelValues(grainType).Inc() }
func (o *CatalogObserver) HandlerPanic(grainType string) { o.panicTotal.WithLabelValues(grainType).Inc() }
