// Package mapping maps caller-supplied external identifiers to destinations.
package mapping

import (
	"sort"
	"sync"

	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/gwerr"
)

// Lookup is the slice of the registry the table needs to validate targets.
type Lookup interface {
	Get(id string) (destination.Destination, bool)
}

// Entry is one external id to destination pair.
type Entry struct {
	ExternalID    string `json:"externalId"`
	DestinationID string `json:"destinationId"`
}

// Table is safe for concurrent use. Entries are not removed when their
// destination goes away; Resolve still returns the stale id and the caller
// decides how to fail.
type Table struct {
	dests Lookup

	mu      sync.RWMutex
	entries map[string]string
}

// NewTable creates an empty table validated against dests.
func NewTable(dests Lookup) *Table {
	return &Table{dests: dests, entries: make(map[string]string)}
}

// Set maps externalID to destinationID, replacing any previous mapping. The
// destination must exist and be enabled.
func (t *Table) Set(externalID, destinationID string) error {
	if externalID == "" {
		return gwerr.Validation("external id is required")
	}
	if destinationID == "" {
		return gwerr.Validation("destination id is required")
	}
	d, ok := t.dests.Get(destinationID)
	if !ok {
		return gwerr.Validation("destination %q does not exist", destinationID)
	}
	if !d.Enabled {
		return gwerr.Validation("destination %q is disabled", destinationID)
	}

	t.mu.Lock()
	t.entries[externalID] = destinationID
	t.mu.Unlock()
	return nil
}

// Remove deletes the mapping and reports whether one existed.
func (t *Table) Remove(externalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[externalID]
	delete(t.entries, externalID)
	return ok
}

// Resolve returns the mapped destination id.
func (t *Table) Resolve(externalID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.entries[externalID]
	return id, ok
}

// ListAll returns a copy of every mapping.
func (t *Table) ListAll() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Entries returns every mapping sorted by external id.
func (t *Table) Entries() []Entry {
	all := t.ListAll()
	out := make([]Entry, 0, len(all))
	for k, v := range all {
		out = append(out, Entry{ExternalID: k, DestinationID: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// Len returns the number of mappings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
