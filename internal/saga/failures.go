package saga

import (
	"context"
	"fmt"
	"log"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/contracts"
	"fulfillment/internal/reliability"

	"github.com/google/uuid"
)

// ParkedStore sets aside messages a consumer gave up on.
type ParkedStore interface {
	Park(ctx context.Context, consumer string, msg bus.Message, reason string, at time.Time) error
}

// FailureReporter returns a bus.ParkFunc that parks the message and, when a
// transient failure exhausted its retries on an order message, enqueues
// OrderProcessingFailed in the same transaction so the saga can fail the
// order. Permanent failures and the failure report itself are only parked.
func FailureReporter(tx Transactor, parked ParkedStore, sender bus.Publisher, now func() time.Time, logf func(format string, args ...any)) bus.ParkFunc {
	if now == nil {
		now = time.Now
	}
	if logf == nil {
		logf = log.Printf
	}
	return func(ctx context.Context, consumer string, msg bus.Message, cause error) error {
		return tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := parked.Park(ctx, consumer, msg, cause.Error(), now().UTC()); err != nil {
				return fmt.Errorf("park %s: %w", msg.ID, err)
			}
			if reliability.IsPermanent(cause) || msg.Type == contracts.TypeOrderProcessingFailed {
				return nil
			}
			orderID, err := uuid.Parse(msg.CorrelationID())
			if err != nil {
				return nil
			}
			report, err := contracts.NewMessage(contracts.OrderProcessingFailed{
				OrderID:    orderID,
				Consumer:   consumer,
				FailedType: msg.Type,
				Reason:     cause.Error(),
			}, now())
			if err != nil {
				return err
			}
			logf("saga: order=%s reporting processing failure of %s in %s", orderID, msg.Type, consumer)
			return sender.Publish(ctx, bus.InjectTrace(ctx, report))
		})
	}
}
