package reliability

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls retry behavior for outbound calls and message handlers.
// Zero-valued hooks fall back to SleepWithContext, Retryable and a jitter
// drawn from the upper half of the delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Attempts returns the bounded attempt count, at least one.
func (p RetryPolicy) Attempts() int {
	return max(p.MaxAttempts, 1)
}

// Delay returns the backoff after the given failed attempt (1-based): BaseDelay
// doubled per earlier attempt, capped at MaxDelay. Jitter is not applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if (p.MaxDelay > 0 && delay >= p.MaxDelay) || delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Sleep == nil {
		p.Sleep = SleepWithContext
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = Retryable
	}
	if p.Jitter == nil {
		p.Jitter = halfJitter
	}
	return p
}

// Do calls fn until it succeeds, the error is not retryable, the attempts
// run out or ctx ends. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || attempt >= p.Attempts() || !p.ShouldRetry(err) {
			return err
		}
		if wait := p.Jitter(p.Delay(attempt)); wait > 0 {
			if err := p.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
