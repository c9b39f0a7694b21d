package chatsync

import (
	"math/rand/v2"
	"time"
)

// Reconnect policy defaults.
const (
	DefaultReconnectBase  = 500 * time.Millisecond
	DefaultReconnectMax   = 30 * time.Second
	DefaultReconnectReset = 60 * time.Second
)

// backoff computes reconnect delays: base*2^attempt plus up to 50% of base as
// jitter, capped at max. A connection that stayed up for reset starts over at attempt 0.
type backoff struct {
	base  time.Duration
	max   time.Duration
	reset time.Duration

	attempt     int
	connectedAt time.Time

	now    func() time.Time
	jitter func() float64
}

func newBackoff(base, maxDelay, reset time.Duration) *backoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if maxDelay < base {
		maxDelay = max(DefaultReconnectMax, base)
	}
	if reset <= 0 {
		reset = DefaultReconnectReset
	}
	return &backoff{
		base:   base,
		max:    maxDelay,
		reset:  reset,
		now:    time.Now,
		jitter: rand.Float64,
	}
}

func (b *backoff) markConnected() {
	b.connectedAt = b.now()
}

// next returns the delay before the next attempt and advances the attempt counter.
func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && b.now().Sub(b.connectedAt) >= b.reset {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}

	d := b.max
	// Past 2^20 the cap always wins; stop shifting before it overflows.
	if b.attempt < 20 {
		if exp := b.base << b.attempt; exp < b.max {
			d = exp
		}
	}
	d += time.Duration(b.jitter() * float64(b.base) * 0.5)
	if d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}
