package internal

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter is a sliding-window limiter keyed by client address. The
// server uses it to cap websocket upgrades per IP.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	clock  clockwork.Clock
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(limit, window, clockwork.NewRealClock())
}

func NewRateLimiterWithClock(limit int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		clock:  clock,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	slice := r.hits[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) >= r.limit {
		r.hits[key] = slice
		return false
	}
	if len(slice) == 0 {
		// drop the idle key's old backing array
		slice = nil
	}
	slice = append(slice, now)
	r.hits[key] = slice
	return true
}
