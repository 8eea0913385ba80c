package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-licensing/internal/cache"
)

const (
	// MaxCacheTTL bounds how stale a cached grant may be.
	MaxCacheTTL = 300 * time.Second

	snapshotKey = "license.snapshot"
)

// ValueStore persists plain values.
type ValueStore interface {
	PutValue(ctx context.Context, name, value string) error
	Value(ctx context.Context, name string) (string, bool, error)
	DeleteValues(ctx context.Context, names ...string) error
}

// Cache is the read-through performance cache in front of remote validation.
// It holds granted decisions in memory and the license snapshot on disk. It
// never answers anything the server has not said within the TTL.
type Cache struct {
	decisions *cache.TTLCache[Decision]
	store     ValueStore
	ttl       time.Duration
	now       func() time.Time
}

// NewCache creates a cache. ttl is clamped to MaxCacheTTL.
func NewCache(store ValueStore, ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		decisions: cache.New[Decision](ttl, cache.WithClock(now)),
		store:     store,
		ttl:       ttl,
		now:       now,
	}
}

// Key hashes a feature and caller context into a cache key.
func Key(feature, scope string) string {
	sum := sha256.Sum256([]byte(feature + "\x00" + scope))
	return hex.EncodeToString(sum[:12])
}

// Decision returns a cached grant.
func (c *Cache) Decision(key string) (Decision, bool) {
	entry, ok := c.decisions.Get(key)
	if !ok {
		return Decision{}, false
	}
	return entry.Value, true
}

// PutDecision caches d when it is a grant. Other decisions are dropped.
func (c *Cache) PutDecision(key string, d Decision) bool {
	if d.State != StateGranted || !d.Granted {
		return false
	}
	c.decisions.Set(key, d)
	return true
}

// ExpiringDecisions returns grants that expire within the given duration.
func (c *Cache) ExpiringDecisions(within time.Duration) []Decision {
	deadline := c.now().Add(within)
	var out []Decision
	c.decisions.Range(func(_ string, entry cache.Entry[Decision]) bool {
		if !entry.ExpiresAt.After(deadline) {
			out = append(out, entry.Value)
		}
		return true
	})
	return out
}

// ClearDecisions drops every cached grant.
func (c *Cache) ClearDecisions() {
	c.decisions.Clear()
}

// Snapshot returns the persisted license snapshot when it is still fresh for
// its status.
func (c *Cache) Snapshot(ctx context.Context) (License, bool, error) {
	lic, ok, err := c.rawSnapshot(ctx)
	if err != nil || !ok {
		return License{}, false, err
	}
	if c.now().Sub(lic.CachedAt) >= c.snapshotTTL(lic.Status) {
		return lic, false, nil
	}
	return lic, true, nil
}

// rawSnapshot returns the persisted snapshot regardless of age.
func (c *Cache) rawSnapshot(ctx context.Context) (License, bool, error) {
	raw, ok, err := c.store.Value(ctx, snapshotKey)
	if err != nil {
		return License{}, false, fmt.Errorf("read license snapshot: %w", err)
	}
	if !ok || raw == "" {
		return License{}, false, nil
	}
	var lic License
	if err := json.Unmarshal([]byte(raw), &lic); err != nil || lic.Version != snapshotVersion || lic.Status == "" {
		return License{}, false, nil
	}
	return lic, true, nil
}

// PutSnapshot persists lic, stamping it with the current time.
func (c *Cache) PutSnapshot(ctx context.Context, lic License) (License, error) {
	lic.CachedAt = c.now()
	lic.Version = snapshotVersion
	data, err := json.Marshal(lic)
	if err != nil {
		return lic, fmt.Errorf("encode license snapshot: %w", err)
	}
	if err := c.store.PutValue(ctx, snapshotKey, string(data)); err != nil {
		return lic, fmt.Errorf("store license snapshot: %w", err)
	}
	return lic, nil
}

// Invalidate drops the snapshot and every cached grant.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.decisions.Clear()
	if err := c.store.DeleteValues(ctx, snapshotKey); err != nil {
		return fmt.Errorf("delete license snapshot: %w", err)
	}
	return nil
}

// Stats returns decision cache counters.
func (c *Cache) Stats() cache.Stats {
	return c.decisions.Stats()
}

// snapshotTTL returns how long a snapshot with status stays fresh. Degraded
// states expire sooner than healthy ones.
func (c *Cache) snapshotTTL(status Status) time.Duration {
	switch status {
	case StatusExpired:
		return c.ttl / 2
	case StatusError, StatusUnknown:
		if c.ttl < time.Minute {
			return c.ttl
		}
		return time.Minute
	default:
		return c.ttl
	}
}
