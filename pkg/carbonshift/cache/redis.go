package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

const redisKeyPrefix = "carbonshift:history:"

// RedisCache shares carbon intensity histories between simulator instances.
// Entries expire after the configured TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to addr and verifies the connection
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get returns a cached history. Redis errors are logged and reported as misses.
func (r *RedisCache) Get(ctx context.Context, key string) ([]types.RawCarbonRecord, bool) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			klog.V(2).InfoS("Redis cache lookup failed", "key", key, "error", err)
		}
		return nil, false
	}

	var records []types.RawCarbonRecord
	if err := json.Unmarshal(data, &records); err != nil {
		klog.V(2).InfoS("Discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return records, true
}

// Set stores a history with the cache TTL. Failures are logged, not returned.
func (r *RedisCache) Set(ctx context.Context, key string, records []types.RawCarbonRecord) {
	data, err := json.Marshal(records)
	if err != nil {
		klog.V(2).InfoS("Failed to encode history for cache", "key", key, "error", err)
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, r.ttl).Err(); err != nil {
		klog.V(2).InfoS("Failed to store history in redis", "key", key, "error", err)
	}
}

// Ping checks the Redis connection health
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}
