package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/metrics"
)

// Probe outcomes.
const (
	ProbeConnected  = "connected"
	ProbeFailed     = "failed"
	ProbeSuppressed = "suppressed"
)

// ProbeResult describes one diagnostic health probe.
type ProbeResult struct {
	Destination string          `json:"destination"`
	Status      string          `json:"status"`
	HTTPStatus  int             `json:"httpStatus,omitempty"`
	LatencyMs   int64           `json:"latencyMs"`
	Response    json.RawMessage `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
	CheckedAt   time.Time       `json:"checkedAt"`
}

// Prober calls a destination's health path out of band. It never reports to
// the production circuit breakers; instead each destination gets its own
// diagnostic breaker so repeated probes of a dead destination are shed.
type Prober struct {
	client  Doer
	path    string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// ProbeOption configures a Prober.
type ProbeOption func(*Prober)

// WithProbePath sets the health path (default /health).
func WithProbePath(path string) ProbeOption { return func(p *Prober) { p.path = path } }

// WithProbeTimeout bounds each probe (default 5s).
func WithProbeTimeout(d time.Duration) ProbeOption { return func(p *Prober) { p.timeout = d } }

// WithProbeLogger sets the logger.
func WithProbeLogger(l *slog.Logger) ProbeOption { return func(p *Prober) { p.logger = l } }

// NewProber creates a Prober.
func NewProber(client Doer, opts ...ProbeOption) *Prober {
	p := &Prober{
		client:   client,
		path:     "/health",
		timeout:  5 * time.Second,
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Prober) breaker(id string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[id]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "probe:" + id,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("diagnostic breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	p.breakers[id] = cb
	return cb
}

// Forget drops the diagnostic breaker for id.
func (p *Prober) Forget(id string) {
	p.mu.Lock()
	delete(p.breakers, id)
	p.mu.Unlock()
}

type probeResponse struct {
	status int
	body   []byte
}

// Probe issues GET <baseURL><path> to dest.
func (p *Prober) Probe(ctx context.Context, dest destination.Destination) ProbeResult {
	start := time.Now()
	res := ProbeResult{Destination: dest.ID}

	out, err := p.breaker(dest.ID).Execute(func() (interface{}, error) {
		return p.do(ctx, dest)
	})

	res.LatencyMs = time.Since(start).Milliseconds()
	res.CheckedAt = time.Now()

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		res.Status = ProbeSuppressed
		res.Error = err.Error()
	case err != nil:
		res.Status = ProbeFailed
		res.Error = err.Error()
		if pr, ok := out.(probeResponse); ok {
			res.HTTPStatus = pr.status
		}
	default:
		pr := out.(probeResponse)
		res.Status = ProbeConnected
		res.HTTPStatus = pr.status
		if json.Valid(pr.body) {
			res.Response = pr.body
		}
	}
	metrics.DiagnosticProbes.WithLabelValues(dest.ID, res.Status).Inc()
	return res
}

func (p *Prober) do(ctx context.Context, dest destination.Destination) (probeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dest.BaseURL+p.path, nil)
	if err != nil {
		return probeResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+dest.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return probeResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	pr := probeResponse{status: resp.StatusCode, body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pr, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return pr, nil
}
