package reliability

import (
	"sync"
	"time"
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type breakerState uint8

const (
	breakerClosed breakerState = iota
	breakerOpen
	// breakerProbing: the reset timeout passed and one trial call is in flight.
	breakerProbing
)

// CircuitBreaker stops calls after MaxFailures consecutive failures and lets
// a single trial through once ResetTimeout has passed. A nil breaker runs
// every call.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker constructs a breaker. MaxFailures defaults to 1 and
// ResetTimeout to 2s.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: cfg.ResetTimeout,
		now:        cfg.Now,
	}
	if b.resetAfter <= 0 {
		b.resetAfter = 2 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open. Permanent errors count as a
// healthy downstream.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	now := c.now()
	if !c.admit(now) {
		return ErrCircuitOpen
	}
	err := fn()
	c.record(now, err)
	return err
}

func (c *CircuitBreaker) admit(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			return false
		}
		c.state = breakerProbing
		return true
	case breakerProbing:
		return false
	default:
		return true
	}
}

func (c *CircuitBreaker) record(now time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil || IsPermanent(err):
		c.state, c.failures = breakerClosed, 0
	case c.state == breakerProbing:
		c.trip(now)
	default:
		c.failures++
		if c.failures >= c.maxFails {
			c.trip(now)
		}
	}
}

func (c *CircuitBreaker) trip(now time.Time) {
	c.state = breakerOpen
	c.openedAt = now
	c.failures = 0
}
