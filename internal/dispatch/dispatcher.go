// Package dispatch performs outbound calls to destinations and normalizes
// their results. Every production call reports its outcome to a Recorder so
// the circuit breakers see all traffic.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/gwerr"
	"github.com/dskow/routing-gateway/internal/metrics"
)

// DefaultMaxResponseBytes caps how much of a downstream body is buffered.
const DefaultMaxResponseBytes int64 = 10 << 20

// ErrResponseTooLarge is the cause of an UpstreamError when a downstream body
// exceeds the configured cap.
var ErrResponseTooLarge = errors.New("response body exceeds limit")

// Doer is the outbound HTTP transport. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Recorder receives the outcome of every dispatched call.
type Recorder interface {
	RecordSuccess(id string)
	RecordFailure(id string)
}

// Call describes one outbound request.
type Call struct {
	Method    string
	Path      string
	Body      []byte
	Timeout   time.Duration // overrides the destination timeout when > 0
	RequestID string
}

// Result is a successful downstream response.
type Result struct {
	Destination string
	Status      int
	Header      http.Header
	Body        []byte
	CompletedAt time.Time
	Duration    time.Duration
}

// Dispatcher sends calls to destinations.
type Dispatcher struct {
	client    Doer
	recorder  Recorder
	logger    *slog.Logger
	userAgent string
	maxBody   int64
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithUserAgent sets the User-Agent sent downstream.
func WithUserAgent(ua string) Option { return func(d *Dispatcher) { d.userAgent = ua } }

// WithMaxResponseBytes caps buffered downstream bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBody = n
		}
	}
}

// WithClock replaces time.Now for completion timestamps.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// New creates a Dispatcher. recorder may be nil.
func New(client Doer, recorder Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:    client,
		recorder:  recorder,
		logger:    slog.Default(),
		userAgent: "routing-gateway/1.0",
		maxBody:   DefaultMaxResponseBytes,
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// CarriesBody reports whether method conventionally sends a request body.
func CarriesBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Dispatch sends call to dest. Failures are returned as *gwerr.Error of kind
// KindUpstream. A call aborted because ctx itself was cancelled is reported
// as a failure to the caller but not counted against the destination.
func (d *Dispatcher) Dispatch(ctx context.Context, dest destination.Destination, call Call) (*Result, error) {
	timeout := dest.Timeout()
	if call.Timeout > 0 {
		timeout = call.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	fail := func(status int, cause error) error {
		metrics.DispatchDuration.WithLabelValues(dest.ID).Observe(time.Since(start).Seconds())
		label := "error"
		if status != 0 {
			label = strconv.Itoa(status)
		}
		metrics.UpstreamErrors.WithLabelValues(dest.ID, label).Inc()

		if ctx.Err() != nil {
			d.logger.Info("dispatch abandoned by caller",
				"destination", dest.ID, "path", call.Path, "request_id", call.RequestID)
		} else {
			if d.recorder != nil {
				d.recorder.RecordFailure(dest.ID)
			}
			d.logger.Warn("dispatch failed",
				"destination", dest.ID,
				"method", call.Method,
				"path", call.Path,
				"status", status,
				"error", cause,
				"request_id", call.RequestID,
			)
		}
		return gwerr.Upstream(dest.ID, status, cause)
	}

	var body io.Reader
	if CarriesBody(call.Method) && len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, call.Method, dest.BaseURL+call.Path, body)
	if err != nil {
		return nil, fail(0, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+dest.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	if call.RequestID != "" {
		req.Header.Set("X-Request-ID", call.RequestID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody+1))
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}
	if int64(len(data)) > d.maxBody {
		return nil, fail(resp.StatusCode, ErrResponseTooLarge)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(resp.StatusCode, fmt.Errorf("%s", http.StatusText(resp.StatusCode)))
	}

	if d.recorder != nil {
		d.recorder.RecordSuccess(dest.ID)
	}
	elapsed := time.Since(start)
	metrics.DispatchDuration.WithLabelValues(dest.ID).Observe(elapsed.Seconds())

	return &Result{
		Destination: dest.ID,
		Status:      resp.StatusCode,
		Header:      resp.Header.Clone(),
		Body:        data,
		CompletedAt: d.now(),
		Duration:    elapsed,
	}, nil
}
