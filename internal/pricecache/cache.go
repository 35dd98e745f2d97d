// Package pricecache is a small generic TTL cache for upstream lookups such
// as oracle prices and token supplies.
//
// Entries expire a fixed duration after insertion and are checked lazily on
// read; there is no background eviction.
package pricecache

import (
	"sync"
	"time"
)

// DefaultTTL is how long an entry is served after it was written.
const DefaultTTL = 30 * time.Second

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Cache maps keys to values that expire ttl after their last Put.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache with the given TTL (DefaultTTL if ttl <= 0).
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Get returns the value for key if it was written less than ttl ago.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.insertedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, resetting its age.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: c.now()}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
