// Package ratelimit paces outbound requests per account.
//
// Each account gets its own continuously refilling token bucket: tokens
// accrue at the configured requests-per-minute rate up to that capacity,
// and every fetch consumes one. A separate minimum inter-request delay
// floor holds consecutive requests apart even while tokens are plentiful.
//
// Acquire suspends only the calling goroutine and respects context
// cancellation, so a worker stalled on one account never blocks workers
// driving other accounts.
//
// Usage:
//
//	registry := ratelimit.NewRegistry(60, 2*time.Second)
//
//	limiter := registry.For(account.ID)
//	if err := limiter.Acquire(ctx); err != nil {
//	    return err // cancelled
//	}
//	// proceed with the fetch
package ratelimit
