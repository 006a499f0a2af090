// Package cache defines the key/value surface the read cache needs from Redis.
package cache

import (
	"context"
	"time"
)

// Interface is satisfied by redisstore.Client.
type Interface interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
}
