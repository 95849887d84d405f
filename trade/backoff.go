package trade

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy is the one backoff configuration shared by the tier, relay and
// venue retry loops so their timing behavior stays consistent.
type retryPolicy struct {
	maxAttempts uint64
	baseDelay   time.Duration
	maxInterval time.Duration
}

func newRetryPolicy(maxAttempts uint64, baseDelay time.Duration) retryPolicy {
	return retryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxInterval: 3 * time.Second,
	}
}

// retry runs op with exponential backoff until it succeeds, the attempt
// budget is spent, ctx is cancelled, or op returns a permanent error.
func (p retryPolicy) retry(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.baseDelay
	exp.MaxInterval = p.maxInterval
	exp.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(exp, p.maxAttempts-1), ctx))
}

// permanent marks err as non-retryable for the surrounding retry loop.
func permanent(err error) error {
	return backoff.Permanent(err)
}
