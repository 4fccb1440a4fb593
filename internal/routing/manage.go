package routing

import (
	"time"

	"github.com/dskow/routing-gateway/internal/circuitbreaker"
	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/gwerr"
	"github.com/dskow/routing-gateway/internal/mapping"
)

// Priority bounds accepted by SetPriority.
const (
	MinPriority = 1
	MaxPriority = 100
)

// Status is a destination with live breaker and load snapshots.
type Status struct {
	destination.Destination
	Breaker  circuitbreaker.Stats `json:"breaker"`
	InFlight int64                `json:"inFlight"`
	// Available is false while the breaker is OPEN and its window has not
	// elapsed.
	Available bool `json:"available"`
}

// Overview summarizes every destination.
type Overview struct {
	Total           int            `json:"totalSystems"`
	Enabled         int            `json:"enabledSystems"`
	Disabled        int            `json:"disabledSystems"`
	ByState         map[string]int `json:"systemsByStatus"`
	InFlight        int64          `json:"totalInFlight"`
	Failures        int            `json:"totalFailures"`
	Mappings        int            `json:"totalMappings"`
	DefaultStrategy Strategy       `json:"defaultStrategy"`
	GeneratedAt     time.Time      `json:"timestamp"`
}

// AddDestination registers d.
func (e *Engine) AddDestination(d destination.Destination) error {
	if err := e.registry.Add(d); err != nil {
		return err
	}
	e.logger.Info("destination added", "destination", d.ID, "base_url", d.BaseURL, "enabled", d.Enabled)
	return nil
}

// RemoveDestination drops id along with its breaker and load state. Mappings
// that reference id are kept and fail with NotFound when used.
func (e *Engine) RemoveDestination(id string) error {
	if err := e.registry.Remove(id); err != nil {
		return err
	}
	e.logger.Info("destination removed", "destination", id)
	return nil
}

// SetEnabled enables or disables id.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	if err := e.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	e.logger.Info("destination status changed", "destination", id, "enabled", enabled)
	return nil
}

// SetPriority changes the priority of id. The value must be within
// [MinPriority, MaxPriority].
func (e *Engine) SetPriority(id string, priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return gwerr.Validation("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	if err := e.registry.SetPriority(id, priority); err != nil {
		return err
	}
	e.logger.Info("destination priority changed", "destination", id, "priority", priority)
	return nil
}

// ResetBreaker closes the breaker of id.
func (e *Engine) ResetBreaker(id string) error {
	if _, ok := e.registry.Get(id); !ok {
		return gwerr.NotFound("destination %q not found", id)
	}
	e.breakers.Reset(id)
	return nil
}

// Destination returns the status of id.
func (e *Engine) Destination(id string) (Status, bool) {
	d, ok := e.registry.Get(id)
	if !ok {
		return Status{}, false
	}
	return e.status(d), true
}

// Destinations returns the status of every destination in registry order.
func (e *Engine) Destinations() []Status {
	all := e.registry.ListAll()
	out := make([]Status, len(all))
	for i, d := range all {
		out[i] = e.status(d)
	}
	return out
}

func (e *Engine) status(d destination.Destination) Status {
	return Status{
		Destination: d,
		Breaker:     e.breakers.Stats(d.ID),
		InFlight:    e.load.Get(d.ID),
		Available:   e.breakers.Ready(d.ID),
	}
}

// SetMapping maps externalID to destinationID.
func (e *Engine) SetMapping(externalID, destinationID string) error {
	if err := e.mappings.Set(externalID, destinationID); err != nil {
		return err
	}
	e.logger.Info("mapping set", "external_id", externalID, "destination", destinationID)
	return nil
}

// RemoveMapping deletes the mapping for externalID.
func (e *Engine) RemoveMapping(externalID string) error {
	if !e.mappings.Remove(externalID) {
		return gwerr.NotFound("mapping for %q not found", externalID)
	}
	e.logger.Info("mapping removed", "external_id", externalID)
	return nil
}

// Mapping returns the destination mapped to externalID.
func (e *Engine) Mapping(externalID string) (string, bool) {
	return e.mappings.Resolve(externalID)
}

// Mappings returns every mapping sorted by external id.
func (e *Engine) Mappings() []mapping.Entry {
	return e.mappings.Entries()
}

// Overview returns aggregate counts across destinations.
func (e *Engine) Overview() Overview {
	o := Overview{
		ByState:         map[string]int{},
		Mappings:        e.mappings.Len(),
		DefaultStrategy: e.DefaultStrategy(),
		GeneratedAt:     time.Now().UTC(),
	}
	for _, s := range e.Destinations() {
		o.Total++
		if s.Enabled {
			o.Enabled++
		} else {
			o.Disabled++
		}
		o.ByState[s.Breaker.State.String()]++
		o.InFlight += s.InFlight
		o.Failures += s.Breaker.FailureCount
	}
	return o
}
