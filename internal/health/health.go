// Package health provides liveness, readiness and per-destination health
// endpoints, plus on-demand diagnostic probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/dskow/routing-gateway/internal/apierror"
	"github.com/dskow/routing-gateway/internal/circuitbreaker"
	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/dispatch"
	"github.com/dskow/routing-gateway/internal/gwerr"
	"github.com/dskow/routing-gateway/internal/routing"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// maxConcurrentProbes bounds POST /health/destinations/test.
const maxConcurrentProbes = 8

// Destination health levels.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
	Disabled  = "disabled"
)

// Source supplies destination snapshots. *routing.Engine satisfies it.
type Source interface {
	Destinations() []routing.Status
	Destination(id string) (routing.Status, bool)
}

// Prober runs a diagnostic call. *dispatch.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, dest destination.Destination) dispatch.ProbeResult
}

// Handler provides the health endpoints.
type Handler struct {
	source Source
	prober Prober
	logger *slog.Logger
	ttl    time.Duration

	// Cached readiness result. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler. prober may be nil, in which case
// the test endpoints are not registered.
func New(source Source, prober Prober, logger *slog.Logger) *Handler {
	return &Handler{source: source, prober: prober, logger: logger, ttl: readinessCacheTTL}
}

// RegisterRoutes adds health check routes to r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.liveness).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/ready", h.readiness).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health/destinations", h.summary).Methods(http.MethodGet)
	r.HandleFunc("/health/destinations/{id}", h.detail).Methods(http.MethodGet)
	if h.prober != nil {
		r.HandleFunc("/health/destinations/test", h.testAll).Methods(http.MethodPost)
		r.HandleFunc("/health/destinations/{id}/test", h.testOne).Methods(http.MethodPost)
	}
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness passes while at least one enabled destination accepts traffic.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < h.ttl {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		writeRaw(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	results := make(map[string]string)
	ready := false
	for _, s := range h.source.Destinations() {
		switch {
		case !s.Enabled:
			results[s.ID] = Disabled
		case !s.Available:
			results[s.ID] = "circuit-open"
		default:
			results[s.ID] = "ok"
			ready = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ready {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":       statusStr,
		"destinations": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	if !ready {
		h.logger.Warn("gateway not ready", "destinations", len(results))
	}
	writeRaw(w, httpStatus, body)
}

// Level classifies one destination. Disabled wins over breaker state, an
// open breaker is unhealthy, any recorded failure is degraded.
func Level(s routing.Status) string {
	switch {
	case !s.Enabled:
		return Disabled
	case s.Breaker.State == circuitbreaker.StateOpen:
		return Unhealthy
	case s.Breaker.FailureCount > 0 || s.Breaker.State == circuitbreaker.StateHalfOpen:
		return Degraded
	}
	return Healthy
}

// DestinationHealth is one destination in the health summary.
type DestinationHealth struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Health       string               `json:"health"`
	Enabled      bool                 `json:"enabled"`
	Priority     int                  `json:"priority"`
	CircuitState circuitbreaker.State `json:"circuitState"`
	Failures     int                  `json:"failureCount"`
	LastFailure  *time.Time           `json:"lastFailure,omitempty"`
	InFlight     int64                `json:"inFlight"`
}

func view(s routing.Status) DestinationHealth {
	d := DestinationHealth{
		ID:           s.ID,
		Name:         s.Name,
		Health:       Level(s),
		Enabled:      s.Enabled,
		Priority:     s.Priority,
		CircuitState: s.Breaker.State,
		Failures:     s.Breaker.FailureCount,
		InFlight:     s.InFlight,
	}
	if !s.Breaker.LastFailure.IsZero() {
		lf := s.Breaker.LastFailure
		d.LastFailure = &lf
	}
	return d
}

// Summary is the body of GET /health/destinations.
type Summary struct {
	Status       string              `json:"status"`
	Total        int                 `json:"total"`
	Counts       map[string]int      `json:"counts"`
	Destinations []DestinationHealth `json:"destinations"`
	Timestamp    time.Time           `json:"timestamp"`
}

// Summarize classifies every destination and derives the overall status.
func Summarize(statuses []routing.Status) Summary {
	sum := Summary{
		Status:       Healthy,
		Total:        len(statuses),
		Counts:       map[string]int{Healthy: 0, Degraded: 0, Unhealthy: 0, Disabled: 0},
		Destinations: make([]DestinationHealth, len(statuses)),
		Timestamp:    time.Now().UTC(),
	}
	for i, s := range statuses {
		v := view(s)
		sum.Destinations[i] = v
		sum.Counts[v.Health]++
	}
	switch {
	case sum.Counts[Unhealthy] > 0:
		sum.Status = Unhealthy
	case sum.Counts[Degraded] > 0:
		sum.Status = Degraded
	}
	return sum
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	sum := Summarize(h.source.Destinations())
	status := http.StatusOK
	if sum.Status == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sum)
}

func (h *Handler) detail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, ok := h.source.Destination(id)
	if !ok {
		apierror.WriteError(w, r, gwerr.NotFound("destination %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, view(s))
}

func (h *Handler) testOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, ok := h.source.Destination(id)
	if !ok {
		apierror.WriteError(w, r, gwerr.NotFound("destination %q not found", id))
		return
	}
	res := h.prober.Probe(r.Context(), s.Destination)
	h.logger.Info("diagnostic probe", "destination", id, "result", res.Status, "latency_ms", res.LatencyMs)
	writeJSON(w, http.StatusOK, res)
}

// testAll probes every enabled destination concurrently.
func (h *Handler) testAll(w http.ResponseWriter, r *http.Request) {
	var targets []destination.Destination
	for _, s := range h.source.Destinations() {
		if s.Enabled {
			targets = append(targets, s.Destination)
		}
	}

	results := make([]dispatch.ProbeResult, len(targets))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(maxConcurrentProbes)
	for i, d := range targets {
		i, d := i, d
		g.Go(func() error {
			results[i] = h.prober.Probe(ctx, d)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	connected := 0
	for _, res := range results {
		if res.Status == dispatch.ProbeConnected {
			connected++
		}
	}
	h.logger.Info("diagnostic probe sweep", "tested", len(results), "connected", connected)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tested":    len(results),
		"connected": connected,
		"results":   results,
	})
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
