package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/metrics"
)

// PolicyFunc returns the current circuit policy for a destination. A false
// result means the destination is unknown and its breaker is inert.
type PolicyFunc func(id string) (destination.CircuitPolicy, bool)

// Stats is a read-only snapshot of one breaker.
type Stats struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failureCount"`
	LastFailure  time.Time `json:"lastFailure"`
}

// Tracker holds one breaker per destination. Breakers are created on first
// use; each carries its own lock so destinations never contend.
type Tracker struct {
	policy PolicyFunc
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	// probeSince is set while a HALF_OPEN probe is outstanding.
	probeSince time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger used for state change events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a tracker reading policies from policy.
func NewTracker(policy PolicyFunc, opts ...Option) *Tracker {
	t := &Tracker{
		policy:  policy,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

func (t *Tracker) getOrCreate(id string) *entry {
	if e := t.lookup(id); e != nil {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e
	}
	e := &entry{state: StateClosed}
	t.entries[id] = e
	return e
}

// IsOpen reports whether calls to id are currently suppressed. Once the open
// window has elapsed the breaker moves to HALF_OPEN and the caller that
// observed the move is admitted as the probe; later callers are rejected
// until the probe reports back or one open window passes without a result.
func (t *Tracker) IsOpen(id string) bool {
	p, ok := t.policy(id)
	if !ok {
		return false
	}
	e := t.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	if next := effectiveState(e.state, e.failures, e.lastFailure, now, p); next != e.state {
		t.transitionTo(id, e, next)
	}

	switch e.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		if !e.probeSince.IsZero() && now.Sub(e.probeSince) < p.OpenDuration() {
			return true
		}
		e.probeSince = now
		return false
	default:
		return false
	}
}

// Ready reports whether the breaker for id is not OPEN at the current time.
// Unlike IsOpen it neither reserves a probe nor changes state.
func (t *Tracker) Ready(id string) bool {
	p, ok := t.policy(id)
	if !ok {
		return false
	}
	e := t.lookup(id)
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return effectiveState(e.state, e.failures, e.lastFailure, t.now(), p) != StateOpen
}

// RecordSuccess closes the breaker and clears the failure count.
func (t *Tracker) RecordSuccess(id string) {
	if _, ok := t.policy(id); !ok {
		return
	}
	e := t.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures = 0
	e.probeSince = time.Time{}
	t.transitionTo(id, e, StateClosed)
}

// RecordFailure counts a failure and opens the breaker once the destination's
// threshold is reached.
func (t *Tracker) RecordFailure(id string) {
	p, ok := t.policy(id)
	if !ok {
		return
	}
	e := t.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastFailure = t.now()
	e.probeSince = time.Time{}
	if e.failures >= p.FailureThreshold {
		t.transitionTo(id, e, StateOpen)
	}
}

// Stats returns the stored breaker state. It does not apply the lazy
// transition; a breaker whose open window elapsed still reports OPEN until
// the next IsOpen call.
func (t *Tracker) Stats(id string) Stats {
	e := t.lookup(id)
	if e == nil {
		return Stats{State: StateClosed}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{State: e.state, FailureCount: e.failures, LastFailure: e.lastFailure}
}

// Reset forces the breaker for id back to CLOSED.
func (t *Tracker) Reset(id string) {
	e := t.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
	e.lastFailure = time.Time{}
	e.probeSince = time.Time{}
	t.transitionTo(id, e, StateClosed)
}

// Forget drops all state for id.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
	metrics.CircuitBreakerState.DeleteLabelValues(id)
	metrics.CircuitBreakerStateChanges.DeletePartialMatch(prometheus.Labels{"destination": id})
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with e.mu held.
func (t *Tracker) transitionTo(id string, e *entry, to State) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to

	metrics.CircuitBreakerStateChanges.WithLabelValues(id, from.String(), to.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(id).Set(float64(to))

	t.logger.Info("circuit breaker state change",
		"destination", id,
		"from", from.String(),
		"to", to.String(),
		"failures", e.failures,
	)
}
