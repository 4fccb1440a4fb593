// Package server assembles the gateway: routing state built from config,
// the proxy, admin and health surfaces, and the shared middleware stack.
package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dskow/routing-gateway/internal/admin"
	"github.com/dskow/routing-gateway/internal/apierror"
	"github.com/dskow/routing-gateway/internal/auth"
	"github.com/dskow/routing-gateway/internal/circuitbreaker"
	"github.com/dskow/routing-gateway/internal/config"
	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/dispatch"
	"github.com/dskow/routing-gateway/internal/health"
	"github.com/dskow/routing-gateway/internal/inflight"
	"github.com/dskow/routing-gateway/internal/mapping"
	"github.com/dskow/routing-gateway/internal/middleware"
	"github.com/dskow/routing-gateway/internal/proxy"
	"github.com/dskow/routing-gateway/internal/ratelimit"
	"github.com/dskow/routing-gateway/internal/routing"
)

// Server holds the assembled gateway.
type Server struct {
	Engine   *routing.Engine
	Breakers *circuitbreaker.Tracker
	Prober   *dispatch.Prober
	Limiter  *ratelimit.Limiter
	Handler  http.Handler

	logger *slog.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	client dispatch.Doer
}

// WithHTTPClient replaces the outbound client used for dispatch and probes.
func WithHTTPClient(c dispatch.Doer) Option { return func(o *options) { o.client = c } }

// New builds the gateway from cfg. provider backs GET /admin/config and is
// usually the config reloader.
func New(cfg *config.Config, provider admin.ConfigProvider, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := options{client: defaultClient()}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Server{logger: logger}
	if err := s.buildEngine(cfg, o.client); err != nil {
		return nil, err
	}

	// Rate limiting applies to the proxy surface only.
	s.Limiter = ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, "proxy", logger)

	r := mux.NewRouter()
	r.NotFoundHandler = apierror.NotFoundHandler()
	r.MethodNotAllowedHandler = apierror.MethodNotAllowedHandler()

	// Health: liveness, readiness and destination health.
	hr := r.MatcherFunc(isHealthPath).Subrouter()
	hr.Use(middleware.Metrics("health"))
	health.New(s.Engine, s.Prober, logger).RegisterRoutes(hr)

	// Proxy: Metrics → RateLimit → handler
	pr := proxy.New(s.Engine, cfg.Routing.ExternalIDHeader, logger).RegisterRoutes(r)
	pr.Use(middleware.Metrics("proxy"), s.Limiter.Middleware())

	// Admin: IP allowlist → Metrics → Auth → handler
	if cfg.Admin.Enabled {
		ar := admin.New(s.Engine, provider, s.Limiter, cfg.Admin.IPAllowlist, logger).RegisterRoutes(r)
		ar.Use(middleware.Metrics("admin"), auth.Middleware(cfg.Auth, logger))
		logger.Info("admin API enabled", "allowlist", cfg.Admin.IPAllowlist, "auth", cfg.Auth.Enabled)
	}

	// Outer stack shared by every surface:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → router
	var handler http.Handler = r
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)
	s.Handler = handler

	return s, nil
}

// buildEngine assembles the routing state from cfg: registry, breakers,
// load counter, dispatcher and mapping table.
func (s *Server) buildEngine(cfg *config.Config, client dispatch.Doer) error {
	reg := destination.NewRegistry()
	s.Breakers = circuitbreaker.NewTracker(reg.Policy, circuitbreaker.WithLogger(s.logger))

	dispatcher := dispatch.New(client, s.Breakers,
		dispatch.WithLogger(s.logger),
		dispatch.WithUserAgent(cfg.Routing.UserAgent),
		dispatch.WithMaxResponseBytes(cfg.Routing.MaxResponseBytes),
	)
	s.Prober = dispatch.NewProber(client,
		dispatch.WithProbePath(cfg.Routing.ProbePath),
		dispatch.WithProbeTimeout(cfg.Routing.ProbeTimeout),
		dispatch.WithProbeLogger(s.logger),
	)
	reg.OnRemove(s.Prober.Forget)

	s.Engine = routing.NewEngine(reg, mapping.NewTable(reg), s.Breakers, inflight.New(), dispatcher, s.logger)
	s.Engine.SetDefaultStrategy(cfg.Routing.Strategy())

	for _, d := range cfg.DestinationList() {
		if err := s.Engine.AddDestination(d); err != nil {
			return err
		}
	}
	for _, m := range cfg.Mappings {
		// The table rejects mappings to disabled destinations; they can be
		// added through the admin API once the destination is enabled.
		if err := s.Engine.SetMapping(m.ExternalID, m.Destination); err != nil {
			s.logger.Warn("mapping skipped", "external_id", m.ExternalID, "destination", m.Destination, "error", err)
		}
	}
	return nil
}

// Apply installs the reloadable settings of cfg: rate limits and the
// default strategy. Destinations and mappings are runtime state.
func (s *Server) Apply(cfg *config.Config) {
	s.Limiter.UpdateConfig(cfg.RateLimit)
	s.Engine.SetDefaultStrategy(cfg.Routing.Strategy())
}

// Close stops background work.
func (s *Server) Close() {
	s.Limiter.Stop()
}

func defaultClient() *http.Client {
	return &http.Client{Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}}
}

func isHealthPath(r *http.Request, _ *mux.RouteMatch) bool {
	p := r.URL.Path
	return p == "/health" || p == "/ready" || strings.HasPrefix(p, "/health/")
}
