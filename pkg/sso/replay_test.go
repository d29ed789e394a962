package sso

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReplayCache(t *testing.T) {
	cache := NewMemoryReplayCache(16, time.Minute)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "okta:_abc123", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "first sighting must not be a replay")

	seen, err = cache.Seen(ctx, "okta:_abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen, "second sighting inside the window is a replay")

	seen, err = cache.Seen(ctx, "okta:_other", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "distinct IDs are independent")
}

func TestMemoryReplayCacheScopedByProvider(t *testing.T) {
	cache := NewMemoryReplayCache(16, time.Minute)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "okta:_id", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	// Same assertion ID under a different provider key is not a replay.
	seen, err = cache.Seen(ctx, "adfs:_id", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisReplayCache(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	cache := NewRedisReplayCache(client)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "okta:_abc123", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.Seen(ctx, "okta:_abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	// The ID expires with its TTL and may be admitted again afterwards.
	srv.FastForward(2 * time.Minute)
	seen, err = cache.Seen(ctx, "okta:_abc123", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisReplayCacheBackendOutage(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	cache := NewRedisReplayCache(client)
	srv.Close()

	_, err := cache.Seen(context.Background(), "okta:_abc123", time.Minute)
	assert.Error(t, err, "backend outage surfaces as an error, not a replay verdict")
}
