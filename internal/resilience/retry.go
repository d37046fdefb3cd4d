// Package resilience wraps persistence calls with bounded retries and
// per-dependency circuit breakers.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retry runs op up to MaxAttempts times, sleeping min(base*2^(n-1), cap)
// with ±50% jitter between attempts. Only transient errors (kind
// unavailable) are retried; validation and classification failures return
// immediately, and so do open-circuit rejections, which would answer
// identically on every attempt.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !types.Retryable(err) || types.ReasonOf(err) == ReasonCircuitOpen {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return err
		}

		delay := backoff(policy, attempt)
		select {
		case <-ctx.Done():
			return types.E(types.KindUnavailable, "cancelled", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func backoff(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << (attempt - 1)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	// Jitter in [0.5, 1.5) of the computed delay.
	return time.Duration(float64(delay) * (0.5 + rand.Float64()))
}
