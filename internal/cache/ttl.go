package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShards = 16

// Entry is a cached value with its capture time.
type Entry[V any] struct {
	Value     V
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	HitRate float64 `json:"hit_rate"`
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
}

// TTLCache is an in-memory map with per-entry expiry. Keys are spread over
// independently locked shards so unrelated keys never contend.
type TTLCache[V any] struct {
	shards []*shard[V]
	ttl    time.Duration
	now    func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// Option configures a TTLCache.
type Option func(*options)

type options struct {
	shards int
	now    func() time.Time
}

// WithShards overrides the shard count.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates a cache whose entries live for ttl unless set with SetWithTTL.
func New[V any](ttl time.Duration, opts ...Option) *TTLCache[V] {
	o := options{shards: defaultShards, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &TTLCache[V]{
		shards: make([]*shard[V], o.shards),
		ttl:    ttl,
		now:    o.now,
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{entries: make(map[string]Entry[V])}
	}
	return c
}

// TTL returns the default entry lifetime.
func (c *TTLCache[V]) TTL() time.Duration {
	return c.ttl
}

func (c *TTLCache[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the live entry for key.
func (c *TTLCache[V]) Get(key string) (Entry[V], bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !c.now().Before(entry.ExpiresAt) {
		c.misses.Add(1)
		if ok {
			s.mu.Lock()
			if current, still := s.entries[key]; still && !c.now().Before(current.ExpiresAt) {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		}
		var zero Entry[V]
		return zero, false
	}
	c.hits.Add(1)
	return entry, true
}

// Set stores value under key with the default TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key for ttl. Non-positive ttl is a no-op.
func (c *TTLCache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	s := c.shardFor(key)
	s.mu.Lock()
	s.entries[key] = Entry[V]{Value: value, CachedAt: now, ExpiresAt: now.Add(ttl)}
	s.mu.Unlock()
	c.sets.Add(1)
}

// Delete removes key.
func (c *TTLCache[V]) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	if ok {
		c.deletes.Add(1)
	}
}

// Clear removes every entry.
func (c *TTLCache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		n := len(s.entries)
		s.entries = make(map[string]Entry[V])
		s.mu.Unlock()
		c.deletes.Add(int64(n))
	}
}

// Range calls fn for each live entry until fn returns false.
func (c *TTLCache[V]) Range(fn func(key string, entry Entry[V]) bool) {
	now := c.now()
	for _, s := range c.shards {
		s.mu.RLock()
		snapshot := make(map[string]Entry[V], len(s.entries))
		for k, e := range s.entries {
			if now.Before(e.ExpiresAt) {
				snapshot[k] = e
			}
		}
		s.mu.RUnlock()
		for k, e := range snapshot {
			if !fn(k, e) {
				return
			}
		}
	}
}

// Prune drops expired entries and returns how many were removed.
func (c *TTLCache[V]) Prune() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.ExpiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *TTLCache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Entries: c.Len(),
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		HitRate: rate,
	}
}
