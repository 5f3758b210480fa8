// Package reliability guards calls to flaky downstreams with retries, a
// circuit breaker and a token-bucket rate limiter.
package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Retrying the same input cannot succeed.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retryable is the default classification used by RetryPolicy. Cancellation,
// an open breaker and permanent errors end the retry loop.
func Retryable(err error) bool {
	switch {
	case err == nil, IsPermanent(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return !errors.Is(err, ErrCircuitOpen)
	}
}

// Guard bundles the limiter, breaker and retry policy around one downstream.
// Every attempt waits for the limiter and passes through the breaker.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

func (g Guard) Do(ctx context.Context, fn func() error) error {
	return g.Retry.Do(ctx, func() error {
		if err := g.Limiter.Wait(ctx); err != nil {
			return err
		}
		return g.Breaker.Execute(fn)
	})
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
