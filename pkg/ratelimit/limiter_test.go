package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketDrainsCapacity(t *testing.T) {
	tb := NewTokenBucket(5, 0)
	base := time.Now()
	tb.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		if wait := tb.reserve(); wait != 0 {
			t.Errorf("expected token %d to be available, got wait %v", i+1, wait)
		}
	}

	if wait := tb.reserve(); wait <= 0 {
		t.Error("expected a wait once the bucket is drained")
	}
}

func TestTokenBucketContinuousRefill(t *testing.T) {
	tb := NewTokenBucket(60, 0) // one token per second
	base := time.Now()
	now := base
	tb.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		if wait := tb.reserve(); wait != 0 {
			t.Fatalf("expected initial token %d, got wait %v", i+1, wait)
		}
	}
	if wait := tb.reserve(); wait <= 0 {
		t.Fatal("expected empty bucket to require waiting")
	}

	// Half a token accrues in half a second; a full one in a full second.
	now = base.Add(500 * time.Millisecond)
	if wait := tb.reserve(); wait <= 0 {
		t.Error("expected partial refill to still require waiting")
	}

	now = base.Add(1100 * time.Millisecond)
	if wait := tb.reserve(); wait != 0 {
		t.Errorf("expected one token after a full interval, got wait %v", wait)
	}
}

func TestTokenBucketMinDelayFloor(t *testing.T) {
	tb := NewTokenBucket(600, 2*time.Second) // tokens are plentiful
	base := time.Now()
	now := base
	tb.now = func() time.Time { return now }

	if wait := tb.reserve(); wait != 0 {
		t.Fatalf("first request should pass, got wait %v", wait)
	}

	// Tokens remain but the delay floor holds the second request.
	if wait := tb.reserve(); wait != 2*time.Second {
		t.Errorf("expected min-delay wait of 2s, got %v", wait)
	}

	now = base.Add(2 * time.Second)
	if wait := tb.reserve(); wait != 0 {
		t.Errorf("expected request after min delay to pass, got wait %v", wait)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	tb := NewTokenBucket(1, 0)
	if err := tb.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Acquire(ctx); err == nil {
		t.Error("expected acquire on a drained bucket to fail with context deadline")
	}
}

func TestTokenBucketReset(t *testing.T) {
	tb := NewTokenBucket(2, 0)
	tb.tokens = 0
	tb.Reset()
	if tb.tokens != tb.capacity {
		t.Error("expected tokens to be reset to capacity")
	}
}

func TestRegistryReturnsSameLimiterPerAccount(t *testing.T) {
	r := NewRegistry(60, 0)

	a := r.For("acct-1")
	b := r.For("acct-1")
	c := r.For("acct-2")

	if a != b {
		t.Error("expected the same limiter for the same account")
	}
	if a == c {
		t.Error("expected distinct limiters for distinct accounts")
	}
}
