// Package projection folds the order event log into OrderSummary read models.
package projection

import (
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/contracts"
	"fulfillment/internal/eventlog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotCreated is returned when folding starts with an event other than the
// order creation event.
var ErrNotCreated = errors.New("projection: first event does not create an order")

// OrderSummary is the queryable view of one order.
type OrderSummary struct {
	ID         uuid.UUID       `json:"id"`
	Status     string          `json:"status"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Buyer      string          `json:"buyer,omitempty"`
	BasketID   uuid.UUID       `json:"basketId"`
	Reason     string          `json:"reason,omitempty"`
	Version    int64           `json:"version"`
	LastSeq    int64           `json:"lastSeq"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Terminal reports whether the order is closed.
func (s OrderSummary) Terminal() bool {
	switch s.Status {
	case contracts.StatusCompleted, contracts.StatusCancelled, contracts.StatusFailed:
		return true
	}
	return false
}

// Create starts a summary from the creation event.
func Create(e eventlog.Event) (OrderSummary, error) {
	if e.Type != contracts.TypeUserCheckedOut {
		return OrderSummary{}, fmt.Errorf("%w: %s", ErrNotCreated, e.Type)
	}
	p, err := e.Decode()
	if err != nil {
		return OrderSummary{}, err
	}
	checkout := p.(contracts.UserCheckedOut)
	return OrderSummary{
		ID:         e.AggregateID,
		Status:     contracts.StatusSubmitted,
		TotalPrice: checkout.TotalMoney,
		Buyer:      checkout.Email,
		BasketID:   checkout.BasketID,
		Version:    e.Version,
		LastSeq:    e.Seq,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.CreatedAt,
	}, nil
}

// Apply returns s with e folded in. Events at or below s.LastSeq were already
// applied and leave s unchanged, which makes re-delivery harmless. A closed
// order keeps its status.
func Apply(s OrderSummary, e eventlog.Event) (OrderSummary, error) {
	if e.Seq != 0 && e.Seq <= s.LastSeq {
		return s, nil
	}
	if e.AggregateID != s.ID {
		return s, fmt.Errorf("projection: event %s belongs to %s, not %s", e.ID, e.AggregateID, s.ID)
	}
	p, err := e.Decode()
	if err != nil {
		return s, err
	}

	next := s
	next.Version = e.Version
	next.LastSeq = e.Seq
	next.UpdatedAt = e.CreatedAt
	if s.Terminal() {
		return next, nil
	}

	switch ev := p.(type) {
	case contracts.OrderPlaced:
		next.Status = contracts.StatusPlaced
	case contracts.OrderCompleted:
		next.Status = contracts.StatusCompleted
	case contracts.OrderCancelled:
		next.Status = contracts.StatusCancelled
		next.Reason = ev.Reason
	case contracts.OrderFailed:
		next.Status = contracts.StatusFailed
		next.Reason = ev.Reason
	}
	return next, nil
}

// Replay folds the full history of one aggregate. ok is false for an empty
// history.
func Replay(events []eventlog.Event) (summary OrderSummary, ok bool, err error) {
	if len(events) == 0 {
		return OrderSummary{}, false, nil
	}
	summary, err = Create(events[0])
	if err != nil {
		return OrderSummary{}, false, err
	}
	for _, e := range events[1:] {
		if summary, err = Apply(summary, e); err != nil {
			return OrderSummary{}, false, err
		}
	}
	return summary, true, nil
}

// Step applies e to the summary of its aggregate, creating it when absent.
func Step(current *OrderSummary, e eventlog.Event) (OrderSummary, error) {
	if current == nil {
		return Create(e)
	}
	return Apply(*current, e)
}
