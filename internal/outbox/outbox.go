// Package outbox stores outgoing messages in the same transaction as the
// state change that produced them and relays them to the bus afterwards.
package outbox

import (
	"context"
	"errors"
	"time"

	"fulfillment/internal/bus"
)

// Status of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusParked    Status = "parked"
)

// ErrNotFound is returned when a row does not exist or is not in the
// expected status.
var ErrNotFound = errors.New("outbox: message not found")

// Record is a stored message plus delivery bookkeeping.
type Record struct {
	Message       bus.Message
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	DeliveredAt   *time.Time
}

// Store is the durable outbox. Enqueue must join the transaction carried by
// ctx. Lease hands out due pending rows in creation order and marks them with
// the owner until leaseUntil; the other write methods only act on rows the
// owner still holds.
type Store interface {
	Enqueue(ctx context.Context, msgs ...bus.Message) error
	Lease(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]Record, error)
	MarkDelivered(ctx context.Context, id, owner string, at time.Time) error
	MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string) error
	Release(ctx context.Context, id, owner string) error
	Park(ctx context.Context, id, owner string, attempts int, reason string) error
	ListParked(ctx context.Context, limit int) ([]Record, error)
	Requeue(ctx context.Context, id string, at time.Time) error
	Pending(ctx context.Context) (int64, error)
}

// Sender is the outbox decorator around a bus publisher. Publish records the
// message in the current transaction; the wrapped publisher only sees it when
// the relay delivers it.
type Sender struct {
	store Store
	inner bus.Publisher
}

// NewSender wraps inner so that publishing goes through store.
func NewSender(store Store, inner bus.Publisher) *Sender {
	return &Sender{store: store, inner: inner}
}

// Publish enqueues msg. It never touches the broker.
func (s *Sender) Publish(ctx context.Context, msg bus.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.store.Enqueue(ctx, msg)
}

// NewRelay returns the relay that delivers this sender's messages through the
// wrapped publisher.
func (s *Sender) NewRelay(cfg RelayConfig) *Relay {
	return newRelay(s.store, s.inner, cfg)
}
