package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/lexrag/internal/faults"
)

// Policy bounds the retries of a single item.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy retries three times starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// policy is exhausted. Only the calling goroutine sleeps between attempts, so
// other in-flight items are never held up. A transient error that survives
// every attempt is returned as permanent.
func Retry(ctx context.Context, p Policy, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !faults.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return faults.Permanent("retry", fmt.Errorf("gave up after %d attempts: %w", attempts, err))
}
