package routing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/routing-gateway/internal/circuitbreaker"
	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/dispatch"
	"github.com/dskow/routing-gateway/internal/gwerr"
	"github.com/dskow/routing-gateway/internal/inflight"
	"github.com/dskow/routing-gateway/internal/mapping"
	"github.com/dskow/routing-gateway/internal/metrics"
)

// Dispatcher performs one outbound call. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, dest destination.Destination, call dispatch.Call) (*dispatch.Result, error)
}

// Engine owns the routing state: registry, mappings, breakers, load counts
// and the round-robin cursor.
type Engine struct {
	registry   *destination.Registry
	mappings   *mapping.Table
	breakers   *circuitbreaker.Tracker
	load       *inflight.Counter
	dispatcher Dispatcher
	logger     *slog.Logger

	defaultStrategy atomic.Int32
	cursor          atomic.Uint64
	// lbMu makes least-loaded selection and the counter increment one step.
	lbMu sync.Mutex
}

// NewEngine wires the routing components together. Removing a destination
// from registry drops its breaker and load state.
func NewEngine(registry *destination.Registry, mappings *mapping.Table, breakers *circuitbreaker.Tracker,
	load *inflight.Counter, d Dispatcher, logger *slog.Logger) *Engine {
	e := &Engine{
		registry:   registry,
		mappings:   mappings,
		breakers:   breakers,
		load:       load,
		dispatcher: d,
		logger:     logger,
	}
	e.defaultStrategy.Store(int32(StrategyPriority))
	registry.OnRemove(breakers.Forget)
	registry.OnRemove(load.Forget)
	return e
}

// DefaultStrategy returns the strategy used when a request names none.
func (e *Engine) DefaultStrategy() Strategy {
	return Strategy(e.defaultStrategy.Load())
}

// SetDefaultStrategy changes the fallback strategy. StrategyDefault resets it
// to priority.
func (e *Engine) SetDefaultStrategy(s Strategy) {
	if s == StrategyDefault || !s.valid() {
		s = StrategyPriority
	}
	e.defaultStrategy.Store(int32(s))
}

// Route resolves the destination for req and dispatches it. Precedence is
// explicit destination, then external id mapping, then strategy.
func (e *Engine) Route(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	strategy := req.Strategy
	if strategy == StrategyDefault {
		strategy = e.DefaultStrategy()
	}

	var (
		res    *dispatch.Result
		err    error
		method Method
	)
	if req.Destination != "" {
		method = MethodExplicit
		res, err = e.routeTo(ctx, req.Destination, req)
	} else if id, ok := e.resolve(req.ExternalID); ok {
		method = MethodMapping
		res, err = e.routeTo(ctx, id, req)
	} else {
		method = MethodStrategy
		res, err = e.routeStrategy(ctx, strategy, req)
	}

	outcome := "success"
	if err != nil {
		outcome = gwerr.KindOf(err).String()
	}
	metrics.RoutedTotal.WithLabelValues(strategy.String(), string(method), outcome).Inc()

	if err != nil {
		e.logger.Warn("routing failed",
			"method", req.Method,
			"path", req.Path,
			"strategy", strategy.String(),
			"routing_method", string(method),
			"error", err,
			"request_id", req.RequestID,
		)
		return nil, err
	}
	return &Outcome{
		Destination:   res.Destination,
		Status:        res.Status,
		Header:        res.Header,
		Body:          res.Body,
		CompletedAt:   res.CompletedAt,
		Strategy:      strategy,
		RoutingMethod: method,
	}, nil
}

func (e *Engine) resolve(externalID string) (string, bool) {
	if externalID == "" {
		return "", false
	}
	return e.mappings.Resolve(externalID)
}

// routeTo sends req to exactly one destination.
func (e *Engine) routeTo(ctx context.Context, id string, req Request) (*dispatch.Result, error) {
	dest, ok := e.registry.Get(id)
	if !ok {
		return nil, gwerr.NotFound("destination %q not found", id)
	}
	if !dest.Enabled {
		return nil, gwerr.Disabled(id)
	}
	if e.breakers.IsOpen(id) {
		return nil, gwerr.CircuitOpen(id)
	}
	return e.dispatch(ctx, dest, req)
}

func (e *Engine) routeStrategy(ctx context.Context, s Strategy, req Request) (*dispatch.Result, error) {
	switch s {
	case StrategyPriority:
		return e.sequential(ctx, s, req, false)
	case StrategyFailover:
		return e.sequential(ctx, s, req, true)
	case StrategyRoundRobin:
		return e.roundRobin(ctx, req)
	case StrategyLoadBalance:
		return e.loadBalance(ctx, req)
	case StrategyDefault:
	}
	return nil, gwerr.Validation("unknown strategy %s", s)
}

// sequential walks enabled destinations in priority order. Priority stops at
// a failed destination once retry is disabled or the destination has used up
// its attempts; failover always moves on.
func (e *Engine) sequential(ctx context.Context, s Strategy, req Request, failover bool) (*dispatch.Result, error) {
	candidates := e.registry.ListByPriority()
	var lastErr error
	for i, dest := range candidates {
		if e.breakers.IsOpen(dest.ID) {
			metrics.CandidateSkips.WithLabelValues(s.String(), dest.ID).Inc()
			continue
		}
		res, err := e.dispatch(ctx, dest, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !failover && !e.mayAdvance(dest, req) {
			return nil, err
		}
		if i == len(candidates)-1 {
			break
		}
		e.logger.Info("advancing to next candidate",
			"strategy", s.String(),
			"failed", dest.ID,
			"request_id", req.RequestID,
		)
		if err := sleepCtx(ctx, dest.Retry.Delay()); err != nil {
			return nil, lastErr
		}
	}
	return nil, gwerr.AllUnavailable(lastErr)
}

func (e *Engine) mayAdvance(dest destination.Destination, req Request) bool {
	if req.DisableRetry {
		return false
	}
	return e.breakers.Stats(dest.ID).FailureCount < dest.Retry.MaxAttempts
}

// roundRobin starts at enabled[cursor mod N] and scans forward past open
// breakers. A failed call is terminal.
func (e *Engine) roundRobin(ctx context.Context, req Request) (*dispatch.Result, error) {
	enabled := e.registry.ListEnabled()
	n := len(enabled)
	if n == 0 {
		return nil, gwerr.AllUnavailable(nil)
	}
	start := int((e.cursor.Add(1) - 1) % uint64(n))
	for i := 0; i < n; i++ {
		dest := enabled[(start+i)%n]
		if e.breakers.IsOpen(dest.ID) {
			metrics.CandidateSkips.WithLabelValues(StrategyRoundRobin.String(), dest.ID).Inc()
			continue
		}
		return e.dispatch(ctx, dest, req)
	}
	return nil, gwerr.AllUnavailable(nil)
}

// loadBalance sends req to the enabled destination with the fewest calls in
// flight. If that destination's breaker is open it falls back to the first
// other enabled destination, in registry order, whose breaker admits calls.
func (e *Engine) loadBalance(ctx context.Context, req Request) (*dispatch.Result, error) {
	e.lbMu.Lock()
	dest, ok := e.leastLoaded()
	var release func()
	if ok {
		release = e.load.Acquire(dest.ID)
	}
	e.lbMu.Unlock()

	if !ok {
		return nil, gwerr.AllUnavailable(nil)
	}
	defer release()
	return e.dispatch(ctx, dest, req)
}

// leastLoaded must be called with lbMu held.
func (e *Engine) leastLoaded() (destination.Destination, bool) {
	enabled := e.registry.ListEnabled()
	if len(enabled) == 0 {
		return destination.Destination{}, false
	}
	best := enabled[0]
	bestLoad := e.load.Get(best.ID)
	for _, d := range enabled[1:] {
		if n := e.load.Get(d.ID); n < bestLoad {
			best, bestLoad = d, n
		}
	}
	if !e.breakers.IsOpen(best.ID) {
		return best, true
	}
	metrics.CandidateSkips.WithLabelValues(StrategyLoadBalance.String(), best.ID).Inc()
	for _, d := range enabled {
		if d.ID == best.ID {
			continue
		}
		if !e.breakers.IsOpen(d.ID) {
			return d, true
		}
	}
	return destination.Destination{}, false
}

func (e *Engine) dispatch(ctx context.Context, dest destination.Destination, req Request) (*dispatch.Result, error) {
	return e.dispatcher.Dispatch(ctx, dest, dispatch.Call{
		Method:    req.Method,
		Path:      req.Path,
		Body:      req.Body,
		Timeout:   req.Timeout,
		RequestID: req.RequestID,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
