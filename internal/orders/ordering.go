package orders

import (
	"context"
	"fmt"

	"fulfillment/internal/bus"
	"fulfillment/internal/contracts"
	"fulfillment/internal/eventlog"
	"fulfillment/internal/projection"
	"fulfillment/internal/reliability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OrderingTopics are the commands handled by OrderingHandler.
var OrderingTopics = []string{
	contracts.TopicPlaceOrder,
	contracts.TopicCompleteOrder,
	contracts.TopicCancelOrder,
	contracts.TopicFailOrder,
}

// OrderingHandler executes saga commands against the order history.
type OrderingHandler struct {
	cfg Config
}

// NewOrderingHandler constructs an OrderingHandler.
func NewOrderingHandler(cfg Config) *OrderingHandler {
	cfg.defaults()
	return &OrderingHandler{cfg: cfg}
}

// Handle is a bus.Handler. The current order is rebuilt with the same fold
// the projection uses, and the resulting event is appended with an expected
// version, so a concurrent command surfaces as a retryable conflict.
func (h *OrderingHandler) Handle(ctx context.Context, msg bus.Message) error {
	cmd, err := contracts.Decode(msg)
	if err != nil {
		return err
	}
	orderID := cmd.OrderRef()

	ctx, span := h.cfg.Tracer.Start(ctx, "ordering "+cmd.MessageType(),
		trace.WithAttributes(attribute.String("order.id", orderID.String())))
	defer span.End()

	history, err := h.cfg.Events.ReadAggregate(ctx, orderID)
	if err != nil {
		return fmt.Errorf("read order %s: %w", orderID, err)
	}
	current, found, err := projection.Replay(history)
	if err != nil {
		return reliability.Permanent(err)
	}
	var state *projection.OrderSummary
	if found {
		state = &current
	}

	evt, err := decide(state, cmd)
	if err != nil {
		return err
	}
	if evt == nil {
		h.cfg.Logf("orders: order=%s status=%s ignored %s", orderID, current.Status, cmd.MessageType())
		return nil
	}

	err = h.cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
		return appendAndPublish(ctx, h.cfg, orderID, eventlog.LastVersion(history), evt)
	})
	if err != nil {
		return fmt.Errorf("record %s for order %s: %w", evt.MessageType(), orderID, err)
	}
	h.cfg.Logf("orders: order=%s %s -> %s", orderID, cmd.MessageType(), evt.MessageType())
	return nil
}

// decide maps a command onto the event it produces, or nil when the command
// no longer applies.
func decide(state *projection.OrderSummary, cmd contracts.Payload) (contracts.Payload, error) {
	if state == nil {
		return nil, reliability.Permanent(fmt.Errorf("%w: %s for %s", ErrNotFound, cmd.MessageType(), cmd.OrderRef()))
	}
	if state.Terminal() {
		return nil, nil
	}

	switch c := cmd.(type) {
	case contracts.PlaceOrder:
		if state.Status != contracts.StatusSubmitted {
			return nil, nil
		}
		return contracts.OrderPlaced{
			OrderID:    c.OrderID,
			BasketID:   c.BasketID,
			Email:      c.Email,
			TotalMoney: c.TotalMoney,
		}, nil
	case contracts.CompleteOrder:
		if state.Status == contracts.StatusSubmitted {
			return nil, errNotPlacedYet
		}
		return contracts.OrderCompleted{OrderID: c.OrderID}, nil
	case contracts.CancelOrder:
		return contracts.OrderCancelled{OrderID: c.OrderID, Reason: c.Reason}, nil
	case contracts.FailOrder:
		return contracts.OrderFailed{OrderID: c.OrderID, Reason: c.Reason}, nil
	default:
		return nil, reliability.Permanent(fmt.Errorf("orders: unexpected command %s", cmd.MessageType()))
	}
}
