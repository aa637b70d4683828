package callsignal

import (
	"context"
	"fmt"
	"time"
)

// RetryError is returned once every attempt of a retried operation has failed.
type RetryError struct {
	inner    error
	attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d retry attempts: %v", e.attempts, e.inner)
}

func (e *RetryError) Unwrap() error {
	return e.inner
}

// RetryOptions controls RetryWithBackoff.
type RetryOptions struct {
	// Attempts is the total number of tries, including the first. Values below one mean one.
	Attempts int
	// InitialBackoff is the wait after the first failure; it doubles after every
	// further failure up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable reports whether an error is worth another attempt. A nil Retryable
	// retries every error.
	Retryable func(err error) bool
	// OnRetry, if set, is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (opts RetryOptions) backoff(attempt int) time.Duration {
	wait := opts.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if opts.MaxBackoff > 0 && wait >= opts.MaxBackoff {
			return opts.MaxBackoff
		}
	}
	if opts.MaxBackoff > 0 && wait > opts.MaxBackoff {
		return opts.MaxBackoff
	}
	return wait
}

// RetryWithBackoff runs toRun until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. Exhausting the attempts returns a *RetryError
// wrapping the last error so callers can still errors.Is against it.
func RetryWithBackoff[T any](ctx context.Context, toRun func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var emptyT T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		val, err := toRun(ctx)
		if err == nil {
			return val, nil
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return val, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		wait := opts.backoff(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, wait)
		}
		if !SelectContextOrWait(ctx, wait) {
			return emptyT, ctx.Err()
		}
	}
	if attempts == 1 {
		return emptyT, lastErr
	}
	return emptyT, &RetryError{attempts: attempts, inner: lastErr}
}
