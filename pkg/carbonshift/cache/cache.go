// Package cache keeps carbon intensity histories so that repeated simulations of the
// same provider and window do not hit the carbon intensity service again.
package cache

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// Cache provides thread-safe caching of carbon intensity histories with TTL
type Cache struct {
	data    map[string]*cacheEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	maxAge  time.Duration
	clock   clock.WithTicker
	stopCh  chan struct{}
	stopped sync.Once
	metrics *metrics
}

type cacheEntry struct {
	records   []types.RawCarbonRecord
	timestamp time.Time
	hits      int64
}

type metrics struct {
	hits   int64
	misses int64
	mutex  sync.RWMutex
}

// New creates a new cache instance using the wall clock
func New(ttl time.Duration, maxAge time.Duration) *Cache {
	return NewWithClock(ttl, maxAge, clock.RealClock{})
}

// NewWithClock creates a new cache instance driven by clk
func NewWithClock(ttl time.Duration, maxAge time.Duration, clk clock.WithTicker) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}

	c := &Cache{
		data: make(map[string]*cacheEntry),
		// For freshness at get time.
		ttl: ttl,
		// Age to clean up unaccessed entries.
		maxAge:  maxAge,
		clock:   clk,
		stopCh:  make(chan struct{}),
		metrics: &metrics{},
	}

	go c.cleanup()

	return c
}

// Get retrieves a history if it is still fresh
func (c *Cache) Get(_ context.Context, key string) ([]types.RawCarbonRecord, bool) {
	c.mutex.RLock()
	entry, exists := c.data[key]
	c.mutex.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	if c.clock.Since(entry.timestamp) > c.ttl {
		c.recordMiss()
		return nil, false
	}

	c.mutex.Lock()
	entry.hits++
	c.mutex.Unlock()
	c.recordHit()

	return entry.records, true
}

// Set stores a history. Histories are replaced wholesale, never merged.
func (c *Cache) Set(_ context.Context, key string, records []types.RawCarbonRecord) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = &cacheEntry{
		records:   records,
		timestamp: c.clock.Now(),
	}

	klog.V(4).InfoS("Cached carbon intensity history", "key", key, "records", len(records))
}

// GetMetrics returns cache performance metrics
func (c *Cache) GetMetrics() (hits, misses int64) {
	c.metrics.mutex.RLock()
	defer c.metrics.mutex.RUnlock()
	return c.metrics.hits, c.metrics.misses
}

func (c *Cache) recordHit() {
	c.metrics.mutex.Lock()
	c.metrics.hits++
	c.metrics.mutex.Unlock()
}

func (c *Cache) recordMiss() {
	c.metrics.mutex.Lock()
	c.metrics.misses++
	c.metrics.mutex.Unlock()
}

// cleanup periodically removes expired entries
func (c *Cache) cleanup() {
	ticker := c.clock.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	for key, entry := range c.data {
		age := now.Sub(entry.timestamp)
		if age > c.maxAge {
			delete(c.data, key)
			klog.V(4).InfoS("Removed expired cache entry",
				"key", key,
				"age", age.String(),
				"hits", entry.hits)
		}
	}
}

// Close stops the cleanup goroutine
func (c *Cache) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = make(map[string]*cacheEntry)
	klog.V(4).Info("Cleared cache")
}

// Size returns the number of entries in the cache
func (c *Cache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}
