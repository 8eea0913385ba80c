package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestGetHonoursTTL(t *testing.T) {
	clock := newClock()
	c := New[string](time.Minute, WithClock(clock.Now))

	c.Set("k", "v")
	entry, ok := c.Get("k")
	if !ok || entry.Value != "v" {
		t.Fatalf("Get = %+v, %v", entry, ok)
	}
	if !entry.CachedAt.Equal(clock.Now()) {
		t.Fatalf("CachedAt = %v", entry.CachedAt)
	}

	clock.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should still be live")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should expire exactly at ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped on read, len=%d", c.Len())
	}
}

func TestSetWithTTLOverridesDefault(t *testing.T) {
	clock := newClock()
	c := New[int](time.Hour, WithClock(clock.Now))

	c.SetWithTTL("short", 1, time.Second)
	c.SetWithTTL("ignored", 2, 0)

	if _, ok := c.Get("ignored"); ok {
		t.Fatal("non-positive ttl must not store")
	}
	clock.Advance(2 * time.Second)
	if _, ok := c.Get("short"); ok {
		t.Fatal("custom ttl not applied")
	}
}

func TestStatsCountHitsMissesSetsDeletes(t *testing.T) {
	c := New[int](time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Delete("a")
	c.Delete("never-set")
	c.Clear()

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Sets != 2 || stats.Deletes != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Fatalf("hit rate = %f", stats.HitRate)
	}
	if stats.Entries != 0 {
		t.Fatalf("entries = %d after Clear", stats.Entries)
	}
}

func TestRangeAndPrune(t *testing.T) {
	clock := newClock()
	c := New[int](time.Minute, WithClock(clock.Now), WithShards(4))

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	c.SetWithTTL("long", 99, time.Hour)
	clock.Advance(2 * time.Minute)

	seen := 0
	c.Range(func(key string, entry Entry[int]) bool {
		seen++
		if key != "long" {
			t.Errorf("unexpected live key %s", key)
		}
		return true
	})
	if seen != 1 {
		t.Fatalf("Range saw %d entries", seen)
	}
	if removed := c.Prune(); removed != 10 {
		t.Fatalf("Prune removed %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d-%d", g, i%20)
				c.Set(key, i)
				c.Get(key)
				if i%7 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 8*20 {
		t.Fatalf("more entries than distinct keys: %d", c.Len())
	}
}
