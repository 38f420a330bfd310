package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter defines the interface for per-account request pacing
type Limiter interface {
	// Acquire blocks until a request may proceed, or until the context
	// is cancelled. Only the calling goroutine is suspended.
	Acquire(ctx context.Context) error
	// Reset restores the limiter to its initial state
	Reset()
}

// TokenBucket implements a continuously refilling token bucket with an
// additional minimum inter-request delay floor. Tokens accrue at
// ratePerMin/60 per second up to capacity; a request consumes one token
// and may additionally wait so that consecutive requests are spaced at
// least minDelay apart.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	ratePerSec float64
	minDelay   time.Duration
	lastRefill time.Time
	lastTake   time.Time
	mu         sync.Mutex

	// now is swapped out by tests
	now func() time.Time
}

// NewTokenBucket creates a token bucket refilling at ratePerMin requests
// per minute, enforcing minDelay between consecutive requests.
func NewTokenBucket(ratePerMin int, minDelay time.Duration) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		capacity:   float64(ratePerMin),
		tokens:     float64(ratePerMin),
		ratePerSec: float64(ratePerMin) / 60.0,
		minDelay:   minDelay,
		lastRefill: now,
		now:        time.Now,
	}
}

// Acquire blocks until a token is available and the min-delay floor has
// passed, then records the request.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		wait := tb.reserve()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve either takes a token and returns 0, or returns how long the
// caller must wait before trying again.
func (tb *TokenBucket) reserve() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.refill(now)

	if tb.tokens < 1 {
		deficit := 1 - tb.tokens
		return time.Duration(deficit / tb.ratePerSec * float64(time.Second))
	}

	if tb.minDelay > 0 && !tb.lastTake.IsZero() {
		if since := now.Sub(tb.lastTake); since < tb.minDelay {
			return tb.minDelay - since
		}
	}

	tb.tokens--
	tb.lastTake = now
	return 0
}

// Reset restores the bucket to full capacity
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
	tb.lastTake = time.Time{}
}

// refill accrues tokens for the time elapsed since the last refill
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed.Seconds() * tb.ratePerSec
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Registry hands out one limiter per account so pacing state survives
// across leases within a process.
type Registry struct {
	ratePerMin int
	minDelay   time.Duration
	limiters   map[string]*TokenBucket
	mu         sync.Mutex
}

// NewRegistry creates a registry producing token buckets with the given
// settings.
func NewRegistry(ratePerMin int, minDelay time.Duration) *Registry {
	return &Registry{
		ratePerMin: ratePerMin,
		minDelay:   minDelay,
		limiters:   make(map[string]*TokenBucket),
	}
}

// For returns the limiter for the given account, creating it on first use.
func (r *Registry) For(accountID string) Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tb, ok := r.limiters[accountID]; ok {
		return tb
	}
	tb := NewTokenBucket(r.ratePerMin, r.minDelay)
	r.limiters[accountID] = tb
	return tb
}
