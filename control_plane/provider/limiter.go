package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter keeps one token bucket per key (the API endpoint).
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter with rate r tokens per second and
// burst b. A non-positive r disables limiting.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	if b <= 0 {
		b = 1
	}
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        limit,
		b:        b,
	}
}

func (l *TokenBucketLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow checks if the key may proceed now without waiting.
func (l *TokenBucketLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until a token for key is available or ctx is done.
func (l *TokenBucketLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}
