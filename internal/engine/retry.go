package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryBounded runs op with exponential backoff up to maxAttempts total
// attempts. Shared by stop and take-profit placement so the retry policy
// lives in one place.
func retryBounded(ctx context.Context, maxAttempts uint64, initial time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
}
