// Package idempotency rejects repeated submissions of externally triggered
// mutating requests.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fulfillment/internal/observability"

	"github.com/google/uuid"
)

// HeaderRequestID carries the client-supplied request identifier.
const HeaderRequestID = "x-requestid"

// DefaultTTL bounds how long an accepted request id is remembered.
const DefaultTTL = time.Hour

var (
	ErrMissingRequestID = errors.New("idempotency: missing request id")
	ErrDuplicate        = errors.New("idempotency: request already accepted")
	ErrUnavailable      = errors.New("idempotency: store unavailable")
)

// namespace scopes the deterministic request ids.
var namespace = uuid.MustParse("6f1c9a52-4b0e-4d5a-9d0b-0b6b8e6f2a11")

// ClientRequest records an accepted request.
type ClientRequest struct {
	ID        uuid.UUID
	Name      string
	Time      time.Time
	ExpiresAt time.Time
}

// Store reserves request ids atomically. Reserve returns false when an
// unexpired record with the same id exists.
type Store interface {
	Reserve(ctx context.Context, req ClientRequest) (bool, error)
}

// Key returns the idempotency key for a request.
func Key(method, path, requestID string) string {
	return strings.ToUpper(method) + ":" + path + ":" + requestID
}

// RequestUUID derives the stored id from a key. Equal keys give equal ids.
func RequestUUID(key string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(key))
}

// Guard checks and records request ids.
type Guard struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	logf    func(format string, args ...any)
	metrics *observability.Metrics
}

// Option customizes a Guard.
type Option func(*Guard)

func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(logf func(format string, args ...any)) Option {
	return func(g *Guard) { g.logf = logf }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard constructs a Guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, ttl: DefaultTTL, now: time.Now, logf: log.Printf}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check reserves the request. It returns ErrMissingRequestID, ErrDuplicate or
// an error wrapping ErrUnavailable; nil means the caller may proceed.
func (g *Guard) Check(ctx context.Context, method, path, requestID, name string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrMissingRequestID
	}
	key := Key(method, path, requestID)
	now := g.now().UTC()
	accepted, err := g.store.Reserve(ctx, ClientRequest{
		ID:        RequestUUID(key),
		Name:      name,
		Time:      now,
		ExpiresAt: now.Add(g.ttl),
	})
	if err != nil {
		g.logf("idempotency: reserve key=%s failed: %v", key, err)
		g.metrics.Inc("idempotency/unavailable")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !accepted {
		g.metrics.Inc("idempotency/duplicate")
		return ErrDuplicate
	}
	return nil
}
