package routing

import (
	"net/http"
	"strings"
	"time"

	"github.com/dskow/routing-gateway/internal/gwerr"
)

// Request is one inbound call to be routed.
type Request struct {
	Method string
	Path   string
	Body   []byte

	// Destination forces a single destination, bypassing mappings and strategy.
	Destination string
	// ExternalID is looked up in the mapping table when Destination is empty.
	ExternalID string
	Strategy   Strategy
	// Timeout overrides the destination's timeout when > 0.
	Timeout time.Duration
	// DisableRetry stops priority routing after the first failed candidate.
	DisableRetry bool
	RequestID    string
}

func (r Request) validate() error {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return gwerr.Validation("method %q is not routable", r.Method)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return gwerr.Validation("path must start with /")
	}
	if !r.Strategy.valid() {
		return gwerr.Validation("unknown strategy %d", int(r.Strategy))
	}
	if r.Timeout < 0 {
		return gwerr.Validation("timeout must not be negative")
	}
	return nil
}

// Outcome is a successfully routed response.
type Outcome struct {
	Destination   string
	Status        int
	Header        http.Header
	Body          []byte
	CompletedAt   time.Time
	Strategy      Strategy
	RoutingMethod Method
}
