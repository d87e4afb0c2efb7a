// Package ratelimit shares request budgets for external model services and
// retries individual items with exponential backoff.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the sustained rate and burst for one external service.
type Config struct {
	RequestsPerMinute float64
	Burst             int
}

// Limiter is a token bucket shared by every caller of one service. A service
// that signals rate limiting pushes a common backoff deadline that all callers
// honour before taking a token.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

// NewLimiter creates a Limiter. A non-positive rate disables limiting.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst),
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return l.limiter.Wait(ctx)
}

// RecordRateLimit pushes the shared backoff deadline out by d.
func (l *Limiter) RecordRateLimit(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at := time.Now().Add(d); at.After(l.retryAt) {
		l.retryAt = at
	}
}
