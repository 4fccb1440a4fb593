// Package admin exposes runtime management of destinations and mappings.
// Every endpoint sits behind a CIDR allowlist; main adds the JWT guard when
// auth is enabled.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/gorilla/mux"

	"github.com/dskow/routing-gateway/internal/apierror"
	"github.com/dskow/routing-gateway/internal/config"
	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/gwerr"
	"github.com/dskow/routing-gateway/internal/middleware"
	"github.com/dskow/routing-gateway/internal/ratelimit"
	"github.com/dskow/routing-gateway/internal/routing"
)

// Prefix is the path prefix of the admin surface.
const Prefix = "/admin"

// Timeout bounds for destinations created at runtime, in milliseconds.
const (
	MinTimeoutMs = 100
	MaxTimeoutMs = 60000
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	engine      *routing.Engine
	config      ConfigProvider
	limiter     *ratelimit.Limiter
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). limiter may be nil.
func New(engine *routing.Engine, cfg ConfigProvider, limiter *ratelimit.Limiter, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		engine:      engine,
		config:      cfg,
		limiter:     limiter,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes mounts the admin API on r and returns the subrouter so the
// caller can stack further middleware on it.
func (h *Handler) RegisterRoutes(r *mux.Router) *mux.Router {
	sub := r.PathPrefix(Prefix).Subrouter()
	sub.Use(h.guard)

	sub.HandleFunc("/destinations", h.listDestinations).Methods(http.MethodGet)
	sub.HandleFunc("/destinations", h.createDestination).Methods(http.MethodPost)
	sub.HandleFunc("/destinations/{id}", h.getDestination).Methods(http.MethodGet)
	sub.HandleFunc("/destinations/{id}", h.deleteDestination).Methods(http.MethodDelete)
	sub.HandleFunc("/destinations/{id}/enable", h.setEnabled(true)).Methods(http.MethodPut)
	sub.HandleFunc("/destinations/{id}/disable", h.setEnabled(false)).Methods(http.MethodPut)
	sub.HandleFunc("/destinations/{id}/priority", h.setPriority).Methods(http.MethodPut)
	sub.HandleFunc("/destinations/{id}/breaker/reset", h.resetBreaker).Methods(http.MethodPost)

	sub.HandleFunc("/mappings", h.listMappings).Methods(http.MethodGet)
	sub.HandleFunc("/mappings", h.createMapping).Methods(http.MethodPost)
	sub.HandleFunc("/mappings/{externalId}", h.getMapping).Methods(http.MethodGet)
	sub.HandleFunc("/mappings/{externalId}", h.deleteMapping).Methods(http.MethodDelete)

	sub.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	sub.HandleFunc("/config", h.configHandler).Methods(http.MethodGet)
	sub.HandleFunc("/limiters", h.limitersHandler).Methods(http.MethodGet)
	return sub
}

// guard enforces the IP allowlist.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "admin access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// destinationView is one entry of GET /admin/destinations.
type destinationView struct {
	routing.Status
	Mappings []string `json:"mappings"`
}

func (h *Handler) listDestinations(w http.ResponseWriter, r *http.Request) {
	byDest := make(map[string][]string)
	for _, m := range h.engine.Mappings() {
		byDest[m.DestinationID] = append(byDest[m.DestinationID], m.ExternalID)
	}
	statuses := h.engine.Destinations()
	views := make([]destinationView, len(statuses))
	for i, s := range statuses {
		ids := byDest[s.ID]
		if ids == nil {
			ids = []string{}
		}
		views[i] = destinationView{Status: s, Mappings: ids}
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"destinations": views,
		"total":        len(views),
	})
}

func (h *Handler) getDestination(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, ok := h.engine.Destination(id)
	if !ok {
		apierror.WriteError(w, r, gwerr.NotFound("destination %q not found", id))
		return
	}
	writeOK(w, http.StatusOK, s)
}

// createDestinationRequest is the body of POST /admin/destinations.
type createDestinationRequest struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	BaseURL        string                     `json:"baseUrl"`
	APIKey         string                     `json:"apiKey"`
	Timeout        *int                       `json:"timeout"`
	Priority       *int                       `json:"priority"`
	Enabled        *bool                      `json:"enabled"`
	Retry          *destination.RetryPolicy   `json:"retry"`
	CircuitBreaker *destination.CircuitPolicy `json:"circuitBreaker"`
}

func (c createDestinationRequest) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required, validation.Length(1, 64), validation.Match(idPattern)),
		validation.Field(&c.Name, validation.Required, validation.Length(1, 128)),
		validation.Field(&c.BaseURL, validation.Required, is.URL, validation.By(httpScheme)),
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.Timeout, validation.Min(MinTimeoutMs), validation.Max(MaxTimeoutMs)),
		validation.Field(&c.Priority, validation.Min(routing.MinPriority), validation.Max(routing.MaxPriority)),
		validation.Field(&c.Retry, validation.By(retryPolicy)),
		validation.Field(&c.CircuitBreaker, validation.By(circuitPolicy)),
	)
}

func httpScheme(value interface{}) error {
	s, _ := value.(string)
	if s == "" || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return nil
	}
	return validation.NewError("validation_url_scheme", "must use http or https")
}

func retryPolicy(value interface{}) error {
	p, _ := value.(*destination.RetryPolicy)
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 0 || p.DelayMs < 0 {
		return validation.NewError("validation_retry", "maxAttempts and delayMs must not be negative")
	}
	return nil
}

func circuitPolicy(value interface{}) error {
	p, _ := value.(*destination.CircuitPolicy)
	if p == nil {
		return nil
	}
	if p.FailureThreshold < 0 || p.OpenDurationMs < 0 {
		return validation.NewError("validation_circuit", "failureThreshold and openDurationMs must not be negative")
	}
	return nil
}

func (c createDestinationRequest) destination() destination.Destination {
	d := destination.Destination{
		ID:       c.ID,
		Name:     c.Name,
		BaseURL:  c.BaseURL,
		APIKey:   c.APIKey,
		Enabled:  true,
		Priority: destination.DefaultPriority,
	}
	if c.Timeout != nil {
		d.TimeoutMs = *c.Timeout
	}
	if c.Priority != nil {
		d.Priority = *c.Priority
	}
	if c.Enabled != nil {
		d.Enabled = *c.Enabled
	}
	if c.Retry != nil {
		d.Retry = *c.Retry
	}
	if c.CircuitBreaker != nil {
		d.Circuit = *c.CircuitBreaker
	}
	return d.WithDefaults()
}

func (h *Handler) createDestination(w http.ResponseWriter, r *http.Request) {
	var req createDestinationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		apierror.WriteError(w, r, gwerr.Validation("%v", err))
		return
	}
	d := req.destination()
	if err := h.engine.AddDestination(d); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	middleware.Annotate(r.Context(), "destination", d.ID)
	s, _ := h.engine.Destination(d.ID)
	writeOK(w, http.StatusCreated, s)
}

func (h *Handler) deleteDestination(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.RemoveDestination(id); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	middleware.Annotate(r.Context(), "destination", id)
	writeOK(w, http.StatusOK, map[string]string{"message": "destination " + id + " removed"})
}

func (h *Handler) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.engine.SetEnabled(id, enabled); err != nil {
			apierror.WriteError(w, r, err)
			return
		}
		middleware.Annotate(r.Context(), "destination", id)
		h.writeDestination(w, r, id)
	}
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

func (p priorityRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Priority, validation.NotNil, validation.Min(routing.MinPriority), validation.Max(routing.MaxPriority)),
	)
}

func (h *Handler) setPriority(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req priorityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		apierror.WriteError(w, r, gwerr.Validation("%v", err))
		return
	}
	if err := h.engine.SetPriority(id, *req.Priority); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	middleware.Annotate(r.Context(), "destination", id)
	h.writeDestination(w, r, id)
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.ResetBreaker(id); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	middleware.Annotate(r.Context(), "destination", id)
	h.writeDestination(w, r, id)
}

func (h *Handler) writeDestination(w http.ResponseWriter, r *http.Request, id string) {
	s, ok := h.engine.Destination(id)
	if !ok {
		apierror.WriteError(w, r, gwerr.NotFound("destination %q not found", id))
		return
	}
	writeOK(w, http.StatusOK, s)
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	entries := h.engine.Mappings()
	writeOK(w, http.StatusOK, map[string]interface{}{
		"mappings": entries,
		"total":    len(entries),
	})
}

type mappingRequest struct {
	ExternalID    string `json:"externalId"`
	DestinationID string `json:"destinationId"`
}

func (m mappingRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ExternalID, validation.Required, validation.Length(1, 256)),
		validation.Field(&m.DestinationID, validation.Required),
	)
}

func (h *Handler) createMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		apierror.WriteError(w, r, gwerr.Validation("%v", err))
		return
	}
	if err := h.engine.SetMapping(req.ExternalID, req.DestinationID); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, req)
}

func (h *Handler) getMapping(w http.ResponseWriter, r *http.Request) {
	ext := mux.Vars(r)["externalId"]
	id, ok := h.engine.Mapping(ext)
	if !ok {
		apierror.WriteError(w, r, gwerr.NotFound("mapping for %q not found", ext))
		return
	}
	writeOK(w, http.StatusOK, mappingRequest{ExternalID: ext, DestinationID: id})
}

func (h *Handler) deleteMapping(w http.ResponseWriter, r *http.Request) {
	ext := mux.Vars(r)["externalId"]
	if err := h.engine.RemoveMapping(ext); err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"message": "mapping " + ext + " removed"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]interface{}{
		"overview":   h.engine.Overview(),
		"strategies": routing.StrategyNames(),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, h.config.Current().Redacted())
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	var entries []ratelimit.ClientInfo
	if h.limiter != nil {
		entries = h.limiter.Snapshot()
	}

	// Pagination: page/page_size from query params.
	pageSize := 100
	page := 0

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeOK(w, http.StatusOK, map[string]interface{}{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

// decode reads a JSON body into v, writing the error response itself when
// it fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return false
		}
		apierror.WriteError(w, r, gwerr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

func writeOK(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: v}) //nolint:errcheck
}
