// Package proxy serves the /proxy surface: it turns inbound HTTP requests
// into routing requests, hands them to the routing engine and wraps the
// downstream answer in the gateway's response envelope.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/gorilla/mux"

	"github.com/dskow/routing-gateway/internal/apierror"
	"github.com/dskow/routing-gateway/internal/dispatch"
	"github.com/dskow/routing-gateway/internal/gwerr"
	"github.com/dskow/routing-gateway/internal/middleware"
	"github.com/dskow/routing-gateway/internal/routing"
)

// Prefix is the path prefix of the proxy surface.
const Prefix = "/proxy"

// LegacyExternalIDHeader is accepted when the configured header is absent.
const LegacyExternalIDHeader = "X-ERP-ID"

// Timeout bounds for the timeout query option, in milliseconds.
const (
	MinTimeoutMs = 1000
	MaxTimeoutMs = 30000
)

// Gateway query options. They are consumed by the gateway and not
// forwarded downstream.
const (
	paramTarget   = "targetSystem"
	paramStrategy = "strategy"
	paramTimeout  = "timeout"
	paramRetry    = "retry"
)

// Router routes one request. *routing.Engine satisfies it.
type Router interface {
	Route(ctx context.Context, req routing.Request) (*routing.Outcome, error)
}

// Handler serves /proxy/{path}.
type Handler struct {
	router           Router
	externalIDHeader string
	logger           *slog.Logger
}

// New creates a proxy Handler. An empty externalIDHeader means X-External-ID.
func New(router Router, externalIDHeader string, logger *slog.Logger) *Handler {
	if externalIDHeader == "" {
		externalIDHeader = "X-External-ID"
	}
	return &Handler{router: router, externalIDHeader: externalIDHeader, logger: logger}
}

// RegisterRoutes mounts the proxy surface on r. Methods outside the
// routable set fall through to r's MethodNotAllowedHandler.
func (h *Handler) RegisterRoutes(r *mux.Router) *mux.Router {
	sub := r.PathPrefix(Prefix).Subrouter()
	sub.HandleFunc("/{path:.*}", h.serve).Methods(
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
	)
	return sub
}

// Metadata describes how a proxied request was routed.
type Metadata struct {
	System        string `json:"system"`
	Status        int    `json:"status"`
	Timestamp     string `json:"timestamp"`
	Strategy      string `json:"strategy"`
	ExternalID    string `json:"externalId,omitempty"`
	RoutingMethod string `json:"routingMethod"`
}

// Envelope is the success body of every proxied response.
type Envelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// options are the raw gateway query options, validated before parsing.
type options struct {
	TargetSystem string `json:"targetSystem"`
	Strategy     string `json:"strategy"`
	Timeout      string `json:"timeout"`
	Retry        string `json:"retry"`
}

func (o options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.TargetSystem, validation.Length(1, 128)),
		validation.Field(&o.Strategy, validation.In(strategyChoices()...).Error("must be one of "+strings.Join(routing.StrategyNames(), ", "))),
		validation.Field(&o.Timeout, is.Int, validation.By(timeoutInRange)),
		validation.Field(&o.Retry, validation.In("true", "false").Error("must be true or false")),
	)
}

func strategyChoices() []interface{} {
	names := routing.StrategyNames()
	out := make([]interface{}, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

func timeoutInRange(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	ms, err := strconv.Atoi(s)
	if err != nil {
		return nil // reported by is.Int
	}
	if ms < MinTimeoutMs || ms > MaxTimeoutMs {
		return validation.NewError("validation_timeout_range",
			"must be between "+strconv.Itoa(MinTimeoutMs)+" and "+strconv.Itoa(MaxTimeoutMs))
	}
	return nil
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	req, err := h.buildRequest(r)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return
		}
		apierror.WriteError(w, r, err)
		return
	}

	out, err := h.router.Route(r.Context(), req)
	if err != nil {
		if ge, ok := gwerr.As(err); ok && ge.Destination != "" {
			middleware.Annotate(r.Context(), "destination", ge.Destination)
		}
		apierror.WriteError(w, r, err)
		return
	}

	middleware.Annotate(r.Context(),
		"destination", out.Destination,
		"strategy", out.Strategy.String(),
		"routing_method", string(out.RoutingMethod),
	)

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Routed-Destination", out.Destination)
	w.Header().Set("X-Routing-Strategy", out.Strategy.String())
	w.WriteHeader(status)

	env := Envelope{
		Success: true,
		Data:    asJSON(out.Body),
		Metadata: Metadata{
			System:        out.Destination,
			Status:        out.Status,
			Timestamp:     out.CompletedAt.UTC().Format(time.RFC3339Nano),
			Strategy:      out.Strategy.String(),
			ExternalID:    req.ExternalID,
			RoutingMethod: string(out.RoutingMethod),
		},
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Warn("writing proxy response", "error", err, "request_id", req.RequestID)
	}
}

// buildRequest validates the inbound request and maps it onto a routing request.
func (h *Handler) buildRequest(r *http.Request) (routing.Request, error) {
	q := r.URL.Query()
	opts := options{
		TargetSystem: q.Get(paramTarget),
		Strategy:     q.Get(paramStrategy),
		Timeout:      q.Get(paramTimeout),
		Retry:        strings.ToLower(q.Get(paramRetry)),
	}
	if err := opts.Validate(); err != nil {
		return routing.Request{}, gwerr.Validation("%v", err)
	}

	req := routing.Request{
		Method:       r.Method,
		Path:         downstreamPath(mux.Vars(r)["path"], q),
		Destination:  opts.TargetSystem,
		ExternalID:   h.externalID(r),
		DisableRetry: opts.Retry == "false",
		RequestID:    middleware.GetRequestID(r.Context()),
	}
	if opts.Strategy != "" {
		s, err := routing.ParseStrategy(opts.Strategy)
		if err != nil {
			return routing.Request{}, gwerr.Validation("strategy: %v", err)
		}
		req.Strategy = s
	}
	if opts.Timeout != "" {
		ms, _ := strconv.Atoi(opts.Timeout)
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	if dispatch.CarriesBody(r.Method) {
		body, err := readBody(r)
		if err != nil {
			return routing.Request{}, err
		}
		req.Body = body
	}
	return req, nil
}

func (h *Handler) externalID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(h.externalIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(LegacyExternalIDHeader))
}

// readBody requires a non-empty JSON body.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, gwerr.Validation("request body is required for %s", r.Method)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return nil, gwerr.Validation("request body is required for %s", r.Method)
	}
	if !json.Valid(body) {
		return nil, gwerr.Validation("request body must be valid JSON")
	}
	return body, nil
}

// downstreamPath rebuilds the relative path plus every query parameter that
// is not a gateway option.
func downstreamPath(path string, q url.Values) string {
	p := "/" + strings.TrimPrefix(path, "/")
	fwd := url.Values{}
	for k, vs := range q {
		switch k {
		case paramTarget, paramStrategy, paramTimeout, paramRetry:
			continue
		}
		fwd[k] = vs
	}
	if len(fwd) > 0 {
		p += "?" + fwd.Encode()
	}
	return p
}

// asJSON returns body verbatim when it is JSON, as a JSON string otherwise,
// and null when empty.
func asJSON(body []byte) json.RawMessage {
	if len(strings.TrimSpace(string(body))) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	s, _ := json.Marshal(string(body))
	return json.RawMessage(s)
}
