// Package circuitbreaker tracks per-destination failure state and decides
// whether traffic to a destination is currently suppressed.
package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/dskow/routing-gateway/internal/destination"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; one request may test recovery.
)

// String returns the state name used in logs, metrics and API responses.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateClosed, StateOpen, StateHalfOpen} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown circuit state %q", b)
}

// effectiveState derives the state a breaker is in at now. It never looks at
// anything but its arguments, so the lazy OPEN to HALF_OPEN transition can be
// tested without a real clock.
func effectiveState(state State, failures int, lastFailure, now time.Time, p destination.CircuitPolicy) State {
	switch state {
	case StateClosed:
		if p.FailureThreshold > 0 && failures >= p.FailureThreshold {
			return StateOpen
		}
	case StateOpen:
		if now.Sub(lastFailure) >= p.OpenDuration() {
			return StateHalfOpen
		}
	}
	return state
}
