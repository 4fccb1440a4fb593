package destination

import (
	"sort"
	"sync"

	"github.com/dskow/routing-gateway/internal/gwerr"
)

// Registry is the concurrency-safe set of destinations. Insertion order is
// preserved and used as the tie-breaker for priority ordering.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Destination
	order []string

	hookMu   sync.RWMutex
	onRemove []func(id string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Destination)}
}

// OnRemove registers fn to be called after a destination is removed. Hooks
// run outside the registry lock.
func (r *Registry) OnRemove(fn func(id string)) {
	r.hookMu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.hookMu.Unlock()
}

// Add inserts d after applying defaults.
func (r *Registry) Add(d Destination) error {
	if d.ID == "" {
		return gwerr.Validation("destination id is required")
	}
	if d.Name == "" {
		return gwerr.Validation("destination %q: name is required", d.ID)
	}
	if d.BaseURL == "" {
		return gwerr.Validation("destination %q: base URL is required", d.ID)
	}
	d = d.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; exists {
		return gwerr.Conflict("destination %q already exists", d.ID)
	}
	r.byID[d.ID] = &d
	r.order = append(r.order, d.ID)
	return nil
}

// Remove deletes the destination and notifies removal hooks.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return gwerr.NotFound("destination %q not found", id)
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.hookMu.RLock()
	hooks := r.onRemove
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.update(id, func(d *Destination) { d.Enabled = enabled })
}

// SetPriority changes the priority. Range checks belong to the caller.
func (r *Registry) SetPriority(id string, priority int) error {
	return r.update(id, func(d *Destination) { d.Priority = priority })
}

func (r *Registry) update(id string, fn func(*Destination)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return gwerr.NotFound("destination %q not found", id)
	}
	fn(d)
	return nil
}

// Get returns a copy of the destination.
func (r *Registry) Get(id string) (Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Destination{}, false
	}
	return *d, true
}

// Policy returns the circuit policy of id.
func (r *Registry) Policy(id string) (CircuitPolicy, bool) {
	d, ok := r.Get(id)
	return d.Circuit, ok
}

// Len returns the number of registered destinations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ListAll returns every destination in insertion order.
func (r *Registry) ListAll() []Destination {
	return r.list(false)
}

// ListEnabled returns enabled destinations in insertion order.
func (r *Registry) ListEnabled() []Destination {
	return r.list(true)
}

// ListByPriority returns enabled destinations sorted ascending by priority,
// ties kept in insertion order.
func (r *Registry) ListByPriority() []Destination {
	out := r.list(true)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (r *Registry) list(enabledOnly bool) []Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Destination, 0, len(r.order))
	for _, id := range r.order {
		d := *r.byID[id]
		if enabledOnly && !d.Enabled {
			continue
		}
		out = append(out, d)
	}
	return out
}
