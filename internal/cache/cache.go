// Package cache provides a small in-memory TTL cache. Entries are keyed by
// owner and validated against their deadline on every read, so a stale entry
// is never returned; callers fall back to the source of truth on a miss.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	deadline time.Time
}

// TTL caches values per owner key for a fixed duration. The zero value is
// not usable; construct with New. Now is injectable for tests.
type TTL[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]
	Now     func() time.Time
}

func New[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		Now:     time.Now,
	}
}

// Get returns the cached value for owner if present and not expired.
// Expired entries are evicted on read.
func (c *TTL[V]) Get(owner string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[owner]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.Now().Before(e.deadline) {
		delete(c.entries, owner)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under owner, replacing any previous entry and resetting
// its deadline.
func (c *TTL[V]) Set(owner string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[owner] = entry[V]{value: value, deadline: c.Now().Add(c.ttl)}
}

// SetUntil stores value under owner like Set, but never past notAfter. The
// effective deadline is the earlier of now+ttl and notAfter; a zero notAfter
// means no cap. Values whose deadline is already in the past are not stored.
func (c *TTL[V]) SetUntil(owner string, value V, notAfter time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := c.Now().Add(c.ttl)
	if !notAfter.IsZero() && notAfter.Before(deadline) {
		deadline = notAfter
	}
	if !c.Now().Before(deadline) {
		return
	}
	c.entries[owner] = entry[V]{value: value, deadline: deadline}
}

// Delete invalidates the entry for owner, if any.
func (c *TTL[V]) Delete(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, owner)
}

// Len reports the number of stored entries, including any not yet evicted
// expired ones.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
