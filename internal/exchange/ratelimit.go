// ratelimit.go implements token-bucket rate limiting for exchange REST APIs.
//
// The venues enforce per-category rate limits measured over sliding windows.
// This file provides a smooth token-bucket implementation that refills
// continuously (rather than in window-sized bursts) to avoid hitting hard
// limits.
//
// Two buckets are maintained:
//   - Public: 15 burst / 1 per sec — public market-data endpoints (OHLC backfill)
//   - Trade:  50 burst / 5 per sec (maps to a 50/10s order limit)
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Each REST call must
// go through the appropriate bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Public *TokenBucket // GET /0/public/* — candle backfill and market metadata
	Trade  *TokenBucket // POST /api/v3/order — placing live orders
}

// NewRateLimiter creates rate limiters tuned to the venues' published limits.
// Capacities are set to the burst allowance, rates to the sustained refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Public: NewTokenBucket(15, 1), // public counter: 15, decay 1/s
		Trade:  NewTokenBucket(50, 5), // 50 orders per 10s window
	}
}
