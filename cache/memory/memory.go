// Package memory provides an in-process TTL cache for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vessar/rondo"
)

// sweepThreshold is the entry count past which Set opportunistically
// removes expired entries, bounding growth from keys that are never
// read again.
const sweepThreshold = 1024

// Cache is a mutex-guarded map with per-entry expiry. Expired entries
// are dropped lazily on read and swept on write once the map grows.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

var _ rondo.Cache = (*Cache)(nil)

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Get returns the value and true on a hit. Expired entries are removed
// and reported as misses.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// renewed the entry.
		if cur, ok := c.entries[key]; ok && cur.expired(time.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores value under key for ttl. A zero ttl stores without expiry.
// Last writer wins.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	var expiresAt time.Time
	if ttl != 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	if len(c.entries) >= sweepThreshold {
		c.removeExpiredLocked(time.Now())
	}
	c.entries[key] = entry{value: cp, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (c *Cache) removeExpiredLocked(now time.Time) {
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}
