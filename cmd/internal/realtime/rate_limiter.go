package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter over inbound envelopes.
// It keeps the timestamps of the last limit accepted events in a ring.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // index of the oldest accepted event
	n      int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.n > 0 && !r.ring[r.head].After(cut) {
		r.head = (r.head + 1) % len(r.ring)
		r.n--
	}

	if r.n == len(r.ring) {
		return false
	}
	r.ring[(r.head+r.n)%len(r.ring)] = now
	r.n++
	return true
}
