// Package redis adapts a shared Redis client to the rondo.Cache contract
// for multi-node deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vessar/rondo"
)

// Cache implements rondo.Cache on a Redis client. The client is injected;
// the caller owns its lifecycle and connection pooling.
type Cache struct {
	rdb *goredis.Client
}

var _ rondo.Cache = (*Cache)(nil)

// New wraps an existing Redis client.
func New(rdb *goredis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get returns the value and true on a hit. A missing key is a miss, not
// an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores value under key for ttl. A zero ttl stores without expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
