package saga

import (
	"fmt"
	"time"

	"fulfillment/internal/contracts"
)

// Outcome classifies what a transition did.
type Outcome int

const (
	// Created means a new instance was started.
	Created Outcome = iota + 1
	// Advanced means an existing instance moved to a new state.
	Advanced
	// Ignored means the message changes nothing: a duplicate start or a
	// message for a closed saga.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Advanced:
		return "advanced"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Decision is the result of applying one message to a saga instance.
type Decision struct {
	Outcome Outcome
	Next    OrderState
	Emit    []contracts.Payload
}

// Transition is the saga reducer. current is nil when no instance exists.
// It has no side effects; the orchestrator persists Next and enqueues Emit.
func Transition(current *OrderState, msg contracts.Payload, now time.Time) (Decision, error) {
	if current == nil {
		start, ok := msg.(contracts.UserCheckedOut)
		if !ok {
			return Decision{}, fmt.Errorf("%w: %s for order %s", ErrUnknownOrder, msg.MessageType(), msg.OrderRef())
		}
		next := OrderState{
			CorrelationID: start.OrderID,
			State:         StatePlaced,
			BasketID:      start.BasketID,
			Email:         start.Email,
			TotalMoney:    start.TotalMoney,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return Decision{
			Outcome: Created,
			Next:    next,
			Emit: []contracts.Payload{contracts.PlaceOrder{
				OrderID:    start.OrderID,
				BasketID:   start.BasketID,
				Email:      start.Email,
				TotalMoney: start.TotalMoney,
			}},
		}, nil
	}

	if current.State.Terminal() {
		return Decision{Outcome: Ignored, Next: *current}, nil
	}

	advance := func(to State, emit ...contracts.Payload) Decision {
		next := *current
		next.State = to
		next.Version = current.Version + 1
		next.UpdatedAt = now
		return Decision{Outcome: Advanced, Next: next, Emit: emit}
	}

	switch m := msg.(type) {
	case contracts.UserCheckedOut:
		return Decision{Outcome: Ignored, Next: *current}, nil
	case contracts.BasketDeletedComplete:
		return advance(StateCompleted,
			contracts.CompleteOrder{OrderID: current.CorrelationID},
			statusChanged(*current, contracts.StatusCompleted),
		), nil
	case contracts.BasketDeletedFailed:
		return advance(StateCancelled,
			contracts.CancelOrder{OrderID: current.CorrelationID, Reason: "basket deletion failed"},
			statusChanged(*current, contracts.StatusCancelled),
		), nil
	case contracts.OrderCancellationRequested:
		reason := m.Reason
		if reason == "" {
			reason = "cancellation requested"
		}
		return advance(StateCancelled,
			contracts.CancelOrder{OrderID: current.CorrelationID, Reason: reason},
			statusChanged(*current, contracts.StatusCancelled),
		), nil
	case contracts.OrderProcessingFailed:
		return advance(StateFailed,
			contracts.FailOrder{
				OrderID: current.CorrelationID,
				Reason:  fmt.Sprintf("%s failed in %s: %s", m.FailedType, m.Consumer, m.Reason),
			},
		), nil
	default:
		return Decision{}, fmt.Errorf("%w: %s", ErrUnsupportedMessage, msg.MessageType())
	}
}

func statusChanged(s OrderState, status string) contracts.OrderStatusChanged {
	return contracts.OrderStatusChanged{
		OrderID:    s.CorrelationID,
		BasketID:   s.BasketID,
		Email:      s.Email,
		TotalMoney: s.TotalMoney,
		Status:     status,
	}
}
