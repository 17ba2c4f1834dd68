package ratelimit

import (
	"sync"
	"time"
)

// Bucket maps grow with caller-supplied identifiers; sweeping only past
// this cardinality keeps the hot path cheap while bounding memory.
const sweepThreshold = 10000

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter reports how long a rejected caller should wait. Never less
// than one second so a Retry-After header is always meaningful.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a fixed-window counter map behind a single mutex.
// A bucket lives for one window from its first hit, then resets whole.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry

	now func() time.Time // test hook
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(l.window)}
	}
	if curr.count >= limit {
		l.items[key] = curr
		return Decision{
			Allowed:   false,
			Count:     curr.count,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   curr.resetAt,
		}
	}
	curr.count++
	l.items[key] = curr
	if len(l.items) > sweepThreshold {
		l.sweep(now)
	}
	return Decision{
		Allowed:   true,
		Count:     curr.count,
		Limit:     limit,
		Remaining: limit - curr.count,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}
