// Package tscache provides a TTL-based timestamp cache used to debounce
// repeated user-facing notifications. It replaces ad-hoc module-level
// debounce maps with an injectable collaborator so sessions stay
// independently testable.
package tscache

import (
	"sync"
	"time"
)

// TimestampCache remembers when a key was last touched and suppresses
// re-touches inside the TTL window. Expired entries are evicted lazily on
// access and eagerly via Purge.
type TimestampCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time // swappable for tests
}

// New creates a cache with the given TTL. A non-positive TTL disables
// debouncing: every Touch is allowed.
func New(ttl time.Duration) *TimestampCache {
	return &TimestampCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Touch records the key and reports whether the caller should proceed:
// true when the key was not seen within the TTL window.
func (c *TimestampCache) Touch(key string) bool {
	if c.ttl <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.entries[key]; ok && now.Sub(last) < c.ttl {
		return false
	}
	c.entries[key] = now
	return true
}

// Seen reports whether the key is currently inside its TTL window without
// refreshing it.
func (c *TimestampCache) Seen(key string) bool {
	if c.ttl <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().Sub(last) >= c.ttl {
		delete(c.entries, key)
		return false
	}
	return true
}

// Forget removes the key immediately.
func (c *TimestampCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge evicts all expired entries and returns how many were removed.
func (c *TimestampCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, last := range c.entries {
		if now.Sub(last) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held, including expired ones
// not yet evicted.
func (c *TimestampCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
