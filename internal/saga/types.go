package saga

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the stored state of a checkout saga. An order with no row is in
// the implicit initial state.
type State string

const (
	StatePlaced    State = "placed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is accepted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// OrderState is one saga instance, keyed by the order id it correlates.
type OrderState struct {
	CorrelationID uuid.UUID
	State         State
	BasketID      uuid.UUID
	Email         string
	TotalMoney    decimal.Decimal
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var (
	// ErrUnknownOrder is returned for a message whose order has no saga and
	// which cannot start one.
	ErrUnknownOrder = errors.New("saga: unknown order")
	// ErrUnsupportedMessage is returned for message types the saga does not consume.
	ErrUnsupportedMessage = errors.New("saga: unsupported message")
)

// IsLogicError reports whether err is a saga logic error rather than an
// infrastructure failure. Logic errors are parked without compensation.
func IsLogicError(err error) bool {
	return errors.Is(err, ErrUnknownOrder) || errors.Is(err, ErrUnsupportedMessage)
}

// Store persists saga instances with optimistic concurrency.
type Store interface {
	Load(ctx context.Context, id uuid.UUID) (OrderState, bool, error)
	// Insert creates the instance; false means it already exists.
	Insert(ctx context.Context, s OrderState) (bool, error)
	// Update writes s if the stored version still equals expectedVersion;
	// false means another transition won.
	Update(ctx context.Context, s OrderState, expectedVersion int64) (bool, error)
}

// Transactor runs fn in one atomic unit of work carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
