// Package inflight counts outbound calls currently in progress per
// destination. The load-balance strategy reads these counts to pick the
// least busy destination.
package inflight

import (
	"sync"
	"sync/atomic"

	"github.com/dskow/routing-gateway/internal/metrics"
)

// Counter is safe for concurrent use.
type Counter struct {
	mu     sync.RWMutex
	counts map[string]*atomic.Int64
}

// New creates an empty counter.
func New() *Counter {
	return &Counter{counts: make(map[string]*atomic.Int64)}
}

func (c *Counter) slot(id string) *atomic.Int64 {
	c.mu.RLock()
	v, ok := c.counts[id]
	c.mu.RUnlock()
	if ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counts[id]; ok {
		return v
	}
	v = new(atomic.Int64)
	c.counts[id] = v
	return v
}

// Inc records the start of a call to id.
func (c *Counter) Inc(id string) {
	n := c.slot(id).Add(1)
	metrics.InFlight.WithLabelValues(id).Set(float64(n))
}

// Dec records the end of a call to id. The count never drops below zero and
// unknown ids are ignored.
func (c *Counter) Dec(id string) {
	c.mu.RLock()
	v, ok := c.counts[id]
	c.mu.RUnlock()
	if ok {
		c.decr(id, v)
	}
}

// Acquire increments id and returns a release func that decrements it once,
// no matter how many times it is called. The release is bound to the slot
// taken here, so it has no effect on id once Forget has dropped that slot.
func (c *Counter) Acquire(id string) (release func()) {
	v := c.slot(id)
	n := v.Add(1)
	metrics.InFlight.WithLabelValues(id).Set(float64(n))
	var once sync.Once
	return func() { once.Do(func() { c.decr(id, v) }) }
}

func (c *Counter) decr(id string, v *atomic.Int64) {
	for {
		cur := v.Load()
		if cur <= 0 {
			return
		}
		if v.CompareAndSwap(cur, cur-1) {
			c.mu.RLock()
			live := c.counts[id] == v
			c.mu.RUnlock()
			if live {
				metrics.InFlight.WithLabelValues(id).Set(float64(cur - 1))
			}
			return
		}
	}
}

// Get returns the current count for id.
func (c *Counter) Get(id string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.counts[id]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot returns a copy of every count.
func (c *Counter) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.counts))
	for id, v := range c.counts {
		out[id] = v.Load()
	}
	return out
}

// Total returns the sum of all counts.
func (c *Counter) Total() int64 {
	var sum int64
	for _, n := range c.Snapshot() {
		sum += n
	}
	return sum
}

// Forget drops the count for id.
func (c *Counter) Forget(id string) {
	c.mu.Lock()
	delete(c.counts, id)
	c.mu.Unlock()
	metrics.InFlight.DeleteLabelValues(id)
}
