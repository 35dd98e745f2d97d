// Package retry retries upstream calls (receipts, price and explorer APIs,
// alert webhooks) with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxGrowth caps the delay at baseDelay * maxGrowth.
const maxGrowth = 32

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

func policy(ctx context.Context, maxAttempts int, baseDelay time.Duration) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = baseDelay
	exp.RandomizationFactor = 0.25
	exp.Multiplier = 2
	exp.MaxInterval = baseDelay * maxGrowth
	exp.MaxElapsedTime = 0

	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(backoff.WithContext(exp, ctx), uint64(maxAttempts-1))
}

// Do calls fn until it succeeds, returns a Permanent error, maxAttempts
// calls have been made or ctx is done. The delay starts at baseDelay and
// doubles with 25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return backoff.Retry(fn, policy(ctx, maxAttempts, baseDelay))
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	return backoff.RetryWithData(fn, policy(ctx, maxAttempts, baseDelay))
}
