package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute

	// maxTrackedKeys bounds memory when callers use high-cardinality contexts.
	maxTrackedKeys = 10000
)

type window struct {
	start time.Time
	count int
}

// FixedWindow caps requests per key within fixed, non-overlapping windows.
// A key's counter resets once its window has elapsed.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
	denied  int64
}

// New creates a limiter with the given limit per window.
func New(limit int, period time.Duration) *FixedWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	return &FixedWindow{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests).
func (l *FixedWindow) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

// Allow records an attempt for key and reports whether it is within the limit.
func (l *FixedWindow) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.period)) {
		if !ok && len(l.windows) >= maxTrackedKeys {
			l.evictExpiredLocked(now)
		}
		w = &window{start: now}
		l.windows[key] = w
	}

	if w.count >= l.limit {
		l.denied++
		return false
	}
	w.count++
	return true
}

// Remaining returns how many attempts key has left in its current window.
func (l *FixedWindow) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !l.now().Before(w.start.Add(l.period)) {
		return l.limit
	}
	return l.limit - w.count
}

// ResetAt returns when key's current window ends. Zero when key has no window.
func (l *FixedWindow) ResetAt(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[key]; ok {
		return w.start.Add(l.period)
	}
	return time.Time{}
}

// Reset forgets every window.
func (l *FixedWindow) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

// Denied returns the number of refused attempts since creation.
func (l *FixedWindow) Denied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.denied
}

// Limit returns the configured cap per window.
func (l *FixedWindow) Limit() int {
	return l.limit
}

func (l *FixedWindow) evictExpiredLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.period)) {
			delete(l.windows, key)
		}
	}
}
