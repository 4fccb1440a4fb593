// Package apierror renders gateway errors as JSON. Routing errors are mapped
// from their gwerr kind to an HTTP status and a stable error code.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dskow/routing-gateway/internal/gwerr"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. Clients program against these; do not rename them.
const (
	RouteNotFound         ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	ValidationFailed      ErrorCode = "GATEWAY_VALIDATION_ERROR"
	NotFound              ErrorCode = "GATEWAY_NOT_FOUND"
	Conflict              ErrorCode = "GATEWAY_CONFLICT"
	DestinationDisabled   ErrorCode = "GATEWAY_DESTINATION_DISABLED"
	CircuitOpen           ErrorCode = "GATEWAY_CIRCUIT_OPEN"
	AllUnavailable        ErrorCode = "GATEWAY_ALL_DESTINATIONS_UNAVAILABLE"
	UpstreamError         ErrorCode = "GATEWAY_UPSTREAM_ERROR"
	UpstreamTimeout       ErrorCode = "GATEWAY_UPSTREAM_TIMEOUT"
	RequestCancelled      ErrorCode = "GATEWAY_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "GATEWAY_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "GATEWAY_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "GATEWAY_AUTH_INSUFFICIENT_SCOPE"
	Forbidden             ErrorCode = "GATEWAY_FORBIDDEN"
	RateLimitExceeded     ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	InternalError         ErrorCode = "GATEWAY_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "GATEWAY_BODY_TOO_LARGE"
)

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	ErrorCode   string `json:"error_code"`
	Kind        string `json:"kind,omitempty"`
	Message     string `json:"message"`
	Destination string `json:"destination,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for errors emitted on hot paths without a request id.
var (
	preRouteNotFound     = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	write(w, r, status, ErrorResponse{ErrorCode: string(code), Message: message})
}

// WriteError classifies err and writes the matching response. Errors that
// are not *gwerr.Error become 500s with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	resp := ErrorResponse{ErrorCode: string(code)}
	if ge, ok := gwerr.As(err); ok {
		resp.Kind = ge.Kind.String()
		resp.Message = ge.Message
		resp.Destination = ge.Destination
		if ge.Kind == gwerr.KindAllUnavailable && ge.Cause != nil {
			resp.Message = ge.Message + ": " + ge.Cause.Error()
		}
	} else {
		resp.Message = "an unexpected error occurred"
	}
	write(w, r, status, resp)
}

// Classify maps err to an HTTP status and error code.
func Classify(err error) (int, ErrorCode) {
	switch gwerr.KindOf(err) {
	case gwerr.KindValidation:
		return http.StatusBadRequest, ValidationFailed
	case gwerr.KindNotFound:
		return http.StatusNotFound, NotFound
	case gwerr.KindConflict:
		return http.StatusConflict, Conflict
	case gwerr.KindDestinationDisabled:
		return http.StatusServiceUnavailable, DestinationDisabled
	case gwerr.KindCircuitOpen:
		return http.StatusServiceUnavailable, CircuitOpen
	case gwerr.KindAllUnavailable:
		return http.StatusServiceUnavailable, AllUnavailable
	case gwerr.KindUpstream:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, UpstreamTimeout
		}
		if errors.Is(err, context.Canceled) {
			return http.StatusGatewayTimeout, RequestCancelled
		}
		return http.StatusBadGateway, UpstreamError
	}
	return http.StatusInternalServerError, InternalError
}

func write(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if r != nil {
		resp.RequestID = r.Header.Get("X-Request-ID")
	}
	if resp.RequestID == "" && resp.Kind == "" && resp.Destination == "" {
		if body := preSerialized(status, ErrorCode(resp.ErrorCode), resp.Message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	resp.Error = http.StatusText(status)
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no matching route":
		return preRouteNotFound
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}

// NotFoundHandler answers requests that match no route.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, r, http.StatusNotFound, RouteNotFound, "no matching route")
	})
}

// MethodNotAllowedHandler answers requests whose path matched a route but
// whose method did not.
func MethodNotAllowedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, r, http.StatusMethodNotAllowed, MethodNotAllowed,
			"method "+r.Method+" is not allowed on "+r.URL.Path)
	})
}
