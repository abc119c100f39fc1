package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per function
type rateLimiter struct {
	limiters map[int64]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

func newRateLimiter(limit rate.Limit, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limiters: make(map[int64]*rate.Limiter),
		rate:     limit,
		burst:    burst,
	}
}

// Allow takes a token from the bucket of functionID. A nil limiter allows everything.
func (rl *rateLimiter) Allow(functionID int64) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	limiter, exists := rl.limiters[functionID]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[functionID] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}
