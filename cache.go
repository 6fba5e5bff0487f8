package rondo

import (
	"context"
	"time"
)

// Cache is a process-wide TTL cache shared across conversations. Values
// are opaque serialized bytes (JSON by convention). Implementations must
// treat unavailability as a soft failure: callers degrade to misses.
type Cache interface {
	// Get returns the value and true on a hit. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl. Last writer wins.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ContextCacheKey is the cache key for a conversation's composed memory
// context fragments.
func ContextCacheKey(convID string) string {
	return "conversation:" + convID + ":context"
}
