package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

func records(intensities ...float64) []types.RawCarbonRecord {
	out := make([]types.RawCarbonRecord, len(intensities))
	for i := range intensities {
		v := intensities[i]
		out[i] = types.RawCarbonRecord{Time: fmt.Sprintf("2024-05-01T%02d:00:00Z", i), Intensity: &v}
	}
	return out
}

func TestCacheGetSet(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	c := NewWithClock(time.Minute, time.Hour, clk)
	defer c.Close()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("Expected miss for unknown key")
	}

	c.Set(ctx, "de", records(100, 200))
	got, ok := c.Get(ctx, "de")
	if !ok {
		t.Fatal("Expected hit after Set")
	}
	if len(got) != 2 || *got[1].Intensity != 200 {
		t.Errorf("Unexpected records: %+v", got)
	}

	clk.Step(2 * time.Minute)
	if _, ok := c.Get(ctx, "de"); ok {
		t.Error("Expected miss after TTL")
	}

	hits, misses := c.GetMetrics()
	if hits != 1 || misses != 2 {
		t.Errorf("Expected 1 hit and 2 misses, got %d hits and %d misses", hits, misses)
	}
}

func TestCacheReplacesWholesale(t *testing.T) {
	c := NewWithClock(time.Minute, time.Hour, testingclock.NewFakeClock(time.Now()))
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "de", records(1, 2, 3))
	c.Set(ctx, "de", records(4))

	got, ok := c.Get(ctx, "de")
	if !ok || len(got) != 1 || *got[0].Intensity != 4 {
		t.Errorf("Expected replaced history, got %+v", got)
	}
}

func TestCacheRemoveExpired(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	c := NewWithClock(time.Minute, time.Hour, clk)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "old", records(1))
	clk.Step(45 * time.Minute)
	c.Set(ctx, "new", records(2))
	clk.Step(30 * time.Minute)

	c.removeExpired()

	if c.Size() != 1 {
		t.Fatalf("Expected 1 entry after cleanup, got %d", c.Size())
	}
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", c.Size())
	}
}

func TestCacheDefaults(t *testing.T) {
	c := New(0, -1)
	defer c.Close()
	if c.ttl != time.Minute {
		t.Errorf("Expected default TTL of 1m, got %v", c.ttl)
	}
	if c.maxAge != time.Hour {
		t.Errorf("Expected default max age of 1h, got %v", c.maxAge)
	}
	c.Close()
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(time.Minute, time.Hour)
	defer c.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("region-%d", i%3)
			for j := 0; j < 100; j++ {
				c.Set(ctx, key, records(float64(j)))
				c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if c.Size() != 3 {
		t.Errorf("Expected 3 entries, got %d", c.Size())
	}
}
