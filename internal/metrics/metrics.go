// Package metrics provides Prometheus instrumentation for the routing
// gateway. Collectors are registered once via Init and exposed through
// Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts inbound requests by surface, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"surface", "method", "status"},
	)

	// RequestDuration observes inbound request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"surface", "method"},
	)

	// ActiveConnections tracks the number of inbound requests being served.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RoutedTotal counts routing decisions by strategy, routing method and outcome kind.
	RoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_routed_total",
			Help: "Total routing decisions",
		},
		[]string{"strategy", "routing_method", "outcome"},
	)

	// CandidateSkips counts strategy candidates passed over because their breaker was open.
	CandidateSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_candidate_skips_total",
			Help: "Strategy candidates skipped due to an open circuit breaker",
		},
		[]string{"strategy", "destination"},
	)

	// DispatchDuration observes outbound call latency by destination.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Outbound call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	// UpstreamErrors counts failed outbound calls by destination and status
	// ("error" when no response was received).
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total failed outbound calls",
		},
		[]string{"destination", "status"},
	)

	// CircuitBreakerState exposes the breaker state per destination (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per destination",
		},
		[]string{"destination"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"destination", "from", "to"},
	)

	// InFlight tracks outbound calls in flight per destination.
	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_destination_in_flight",
			Help: "Outbound calls currently in flight per destination",
		},
		[]string{"destination"},
	)

	// DiagnosticProbes counts out-of-band health probes by destination and result.
	DiagnosticProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_diagnostic_probes_total",
			Help: "Diagnostic health probes",
		},
		[]string{"destination", "result"},
	)

	// RateLimitHits counts rate limit rejections by surface.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"surface"},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// ConfigReloads counts configuration reload attempts by result.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_config_reloads_total",
			Help: "Configuration reload attempts",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestDuration,
			ActiveConnections,
			RoutedTotal,
			CandidateSkips,
			DispatchDuration,
			UpstreamErrors,
			CircuitBreakerState,
			CircuitBreakerStateChanges,
			InFlight,
			DiagnosticProbes,
			RateLimitHits,
			AuthFailures,
			ConfigReloads,
		)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
