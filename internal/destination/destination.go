// Package destination holds the set of downstream services the gateway can
// forward to, together with their runtime flags.
package destination

import (
	"strings"
	"time"
)

// RetryPolicy bounds how many failures a destination may accumulate before
// the priority strategy stops advancing past it.
type RetryPolicy struct {
	MaxAttempts int `json:"maxAttempts" yaml:"max_attempts"`
	DelayMs     int `json:"delayMs" yaml:"delay_ms"`
}

// Delay returns DelayMs as a duration.
func (r RetryPolicy) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

// CircuitPolicy configures the per-destination breaker.
type CircuitPolicy struct {
	FailureThreshold int `json:"failureThreshold" yaml:"failure_threshold"`
	OpenDurationMs   int `json:"openDurationMs" yaml:"open_duration_ms"`
}

// OpenDuration returns OpenDurationMs as a duration.
func (c CircuitPolicy) OpenDuration() time.Duration {
	return time.Duration(c.OpenDurationMs) * time.Millisecond
}

// Defaults applied when a destination is added without explicit values.
const (
	DefaultTimeoutMs        = 5000
	DefaultPriority         = 999
	DefaultMaxAttempts      = 3
	DefaultFailureThreshold = 5
	DefaultOpenDurationMs   = 60000
)

// Destination is one downstream service.
type Destination struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	BaseURL   string        `json:"baseUrl"`
	APIKey    string        `json:"-"`
	TimeoutMs int           `json:"timeout"`
	Enabled   bool          `json:"enabled"`
	Priority  int           `json:"priority"`
	Retry     RetryPolicy   `json:"retry"`
	Circuit   CircuitPolicy `json:"circuitBreaker"`
}

// Timeout returns TimeoutMs as a duration.
func (d Destination) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// WithDefaults fills zero-valued tunables. Enabled is left untouched.
func (d Destination) WithDefaults() Destination {
	d.BaseURL = strings.TrimRight(d.BaseURL, "/")
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = DefaultTimeoutMs
	}
	if d.Priority == 0 {
		d.Priority = DefaultPriority
	}
	if d.Retry.MaxAttempts <= 0 {
		d.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if d.Retry.DelayMs < 0 {
		d.Retry.DelayMs = 0
	}
	if d.Circuit.FailureThreshold <= 0 {
		d.Circuit.FailureThreshold = DefaultFailureThreshold
	}
	if d.Circuit.OpenDurationMs <= 0 {
		d.Circuit.OpenDurationMs = DefaultOpenDurationMs
	}
	return d
}
