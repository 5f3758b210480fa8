package reliability

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket holding up to burst tokens and refilling one
// every rate. A nil limiter, or one with a zero rate or burst, never waits.
type RateLimiter struct {
	mu     sync.Mutex
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a full bucket. onWait, when set, observes every
// wait before it happens.
func NewRateLimiter(rate time.Duration, burst int, onWait func(time.Duration)) *RateLimiter {
	return &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		sleep:  SleepWithContext,
		onWait: onWait,
		tokens: burst,
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := r.take()
		if ok {
			return nil
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes a token, or reports how long until the next refill.
func (r *RateLimiter) take() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if elapsed := now.Sub(r.last); elapsed >= r.rate {
		n := elapsed / r.rate
		r.tokens = min(r.burst, r.tokens+int(n))
		r.last = r.last.Add(n * r.rate)
	}
	if r.tokens > 0 {
		r.tokens--
		return 0, true
	}
	return r.rate - now.Sub(r.last), false
}
