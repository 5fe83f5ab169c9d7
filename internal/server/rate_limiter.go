// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the relay from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter allows bursts of capacity frames refilled evenly over interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	refill := rate.Limit(float64(capacity) / interval.Seconds())
	return &rateLimiter{limiter: rate.NewLimiter(refill, capacity)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
