package sso

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ReplayCache tracks assertion and response identifiers that have already
// been accepted, so a repeated ID inside its validity window is rejected.
//
// Seen records the ID and reports whether it was already present. The error
// is non-nil only when the cache backend itself is unreachable; callers
// fail open on backend outage but never on a confirmed replay.
type ReplayCache interface {
	Seen(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// memoryReplayCache is the in-process backend, an expirable LRU.
type memoryReplayCache struct {
	cache *lru.LRU[string, struct{}]
}

// NewMemoryReplayCache creates an in-process replay cache holding up to size
// IDs, each expiring after ttl.
func NewMemoryReplayCache(size int, ttl time.Duration) ReplayCache {
	return &memoryReplayCache{
		cache: lru.NewLRU[string, struct{}](size, nil, ttl),
	}
}

func (c *memoryReplayCache) Seen(_ context.Context, id string, _ time.Duration) (bool, error) {
	if _, ok := c.cache.Get(id); ok {
		return true, nil
	}
	c.cache.Add(id, struct{}{})
	return false, nil
}

// redisReplayCache shares replay state across gateway instances.
type redisReplayCache struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayCache creates a Redis-backed replay cache.
func NewRedisReplayCache(client *redis.Client) ReplayCache {
	return &redisReplayCache{client: client, prefix: "authgate:assertion:"}
}

func (c *redisReplayCache) Seen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	// SETNX both checks and records in one round trip.
	set, err := c.client.SetNX(ctx, c.prefix+id, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
