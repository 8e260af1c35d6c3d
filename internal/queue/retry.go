package queue

import (
	"context"
	"time"

	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/metrics"
)

// RetryPolicy replays a listing transaction after serialization or deadlock failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts:  3,
	BaseDelay: 20 * time.Millisecond,
	MaxDelay:  500 * time.Millisecond,
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are spent. Exhaustion yields TRANSACTION_ABORTED.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		metrics.QueueTxRetries.Inc()

		delay := p.BaseDelay * time.Duration(1<<attempt)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.NewTransactionAbortedError(attempt+1, ctx.Err())
		}
	}
	return errors.NewTransactionAbortedError(attempts, err)
}
