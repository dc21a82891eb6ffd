//go:build integration

package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedisContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	redisContainer, err := redis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)
	return strings.TrimPrefix(endpoint, "redis://")
}

func TestRedisCacheRoundTrip(t *testing.T) {
	addr := setupRedisContainer(t)

	c, err := NewRedisCache(addr, "", 0, time.Minute)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "de", records(120, 80))
	got, ok := c.Get(ctx, "de")
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, 80.0, *got[1].Intensity)
	assert.Equal(t, "2024-05-01T01:00:00Z", got[1].Time)
}

func TestRedisCacheExpires(t *testing.T) {
	addr := setupRedisContainer(t)

	c, err := NewRedisCache(addr, "", 0, time.Second)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "de", records(1))
	require.Eventually(t, func() bool {
		_, ok := c.Get(ctx, "de")
		return !ok
	}, 5*time.Second, 100*time.Millisecond)
}

func TestNewRedisCacheInvalid(t *testing.T) {
	_, err := NewRedisCache("", "", 0, time.Minute)
	assert.EqualError(t, err, "redis address cannot be empty")

	_, err = NewRedisCache("localhost:6379", "", -1, time.Minute)
	assert.Error(t, err)

	_, err = NewRedisCache("invalid:99999", "", 0, time.Minute)
	assert.Error(t, err)
}
