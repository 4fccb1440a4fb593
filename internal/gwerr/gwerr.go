// Package gwerr defines the error kinds produced by the routing core. Every
// error that leaves the registry, mapping table, engine or dispatcher is a
// *Error so the HTTP edge can classify it without string matching.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a routing failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindDestinationDisabled
	KindCircuitOpen
	KindAllUnavailable
	KindUpstream
)

var kindNames = [...]string{
	KindUnknown:             "Unknown",
	KindValidation:          "ValidationError",
	KindNotFound:            "NotFound",
	KindConflict:            "Conflict",
	KindDestinationDisabled: "DestinationDisabled",
	KindCircuitOpen:         "CircuitOpen",
	KindAllUnavailable:      "AllDestinationsUnavailable",
	KindUpstream:            "UpstreamError",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Error is a classified routing error.
type Error struct {
	Kind        Kind
	Message     string
	Destination string // empty when the error is not tied to one destination
	Status      int    // downstream HTTP status for KindUpstream, 0 otherwise
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Destination != "" {
		msg = fmt.Sprintf("%s (destination %s)", msg, e.Destination)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so errors.Is(err, gwerr.ErrNotFound) works for
// any NotFound error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Destination == "" && t.Cause == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrDestinationDisabled = &Error{Kind: KindDestinationDisabled}
	ErrCircuitOpen         = &Error{Kind: KindCircuitOpen}
	ErrAllUnavailable      = &Error{Kind: KindAllUnavailable}
	ErrUpstream            = &Error{Kind: KindUpstream}
)

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error for the given destination or key.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Disabled reports a request addressed to a disabled destination.
func Disabled(id string) *Error {
	return &Error{Kind: KindDestinationDisabled, Message: "destination is disabled", Destination: id}
}

// CircuitOpen reports a destination whose breaker is rejecting calls.
func CircuitOpen(id string) *Error {
	return &Error{Kind: KindCircuitOpen, Message: "circuit breaker is open", Destination: id}
}

// AllUnavailable reports an exhausted candidate list. last is the most recent
// upstream failure, or nil when every candidate was skipped.
func AllUnavailable(last error) *Error {
	return &Error{Kind: KindAllUnavailable, Message: "no destination available", Cause: last}
}

// Upstream wraps a failed outbound call.
func Upstream(id string, status int, cause error) *Error {
	msg := "upstream request failed"
	if status != 0 {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	return &Error{Kind: KindUpstream, Message: msg, Destination: id, Status: status, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As is a convenience around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
