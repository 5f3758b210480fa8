package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/contracts"
	"fulfillment/internal/eventlog"
	"fulfillment/internal/projection"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Transactor runs fn in one atomic unit of work carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config wires the order services. Sender is the outbox sender.
type Config struct {
	Events eventlog.Store
	Tx     Transactor
	Sender bus.Publisher
	Tracer trace.Tracer
	Logf   func(format string, args ...any)
	Now    func() time.Time
}

func (c *Config) defaults() {
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("orders")
	}
}

// CheckoutRequest is an accepted basket ready to become an order.
type CheckoutRequest struct {
	OrderID    uuid.UUID
	BasketID   uuid.UUID
	Email      string
	TotalMoney decimal.Decimal
}

// CheckoutService starts orders and forwards cancellation requests.
type CheckoutService struct {
	cfg Config
}

// NewCheckoutService constructs a CheckoutService.
func NewCheckoutService(cfg Config) *CheckoutService {
	cfg.defaults()
	return &CheckoutService{cfg: cfg}
}

// Validate checks a checkout request.
func (r CheckoutRequest) Validate() error {
	if r.BasketID == uuid.Nil {
		return &ValidationError{Field: "basketId", Reason: "required"}
	}
	if r.TotalMoney.IsNegative() {
		return &ValidationError{Field: "totalMoney", Reason: "must not be negative"}
	}
	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			return &ValidationError{Field: "email", Reason: "invalid address"}
		}
	}
	return nil
}

// Checkout appends UserCheckedOut to the new order's history and enqueues it
// for the saga in the same transaction. It returns the order id.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (uuid.UUID, error) {
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}
	if req.OrderID == uuid.Nil {
		req.OrderID = uuid.New()
	}

	ctx, span := s.cfg.Tracer.Start(ctx, "checkout",
		trace.WithAttributes(attribute.String("order.id", req.OrderID.String())))
	defer span.End()

	payload := contracts.UserCheckedOut{
		OrderID:    req.OrderID,
		BasketID:   req.BasketID,
		Email:      req.Email,
		TotalMoney: req.TotalMoney,
	}
	err := s.cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
		return appendAndPublish(ctx, s.cfg, req.OrderID, 0, payload)
	})
	if errors.Is(err, eventlog.ErrConcurrencyConflict) {
		return uuid.Nil, &ValidationError{Field: "orderId", Reason: "order already exists"}
	}
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}
	s.cfg.Logf("orders: order=%s checked out basket=%s total=%s", req.OrderID, req.BasketID, req.TotalMoney)
	return req.OrderID, nil
}

// RequestCancellation sends the external cancellation signal to the saga.
// The order is cancelled asynchronously.
func (s *CheckoutService) RequestCancellation(ctx context.Context, orderID uuid.UUID, reason string) error {
	events, err := s.cfg.Events.ReadAggregate(ctx, orderID)
	if err != nil {
		return fmt.Errorf("read order %s: %w", orderID, err)
	}
	current, found, err := projection.Replay(events)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if current.Terminal() {
		return fmt.Errorf("%w: %s", ErrOrderClosed, current.Status)
	}

	msg, err := contracts.NewMessage(contracts.OrderCancellationRequested{OrderID: orderID, Reason: reason}, s.cfg.Now())
	if err != nil {
		return err
	}
	err = s.cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.cfg.Sender.Publish(ctx, bus.InjectTrace(ctx, msg))
	})
	if err != nil {
		return fmt.Errorf("enqueue cancellation %s: %w", orderID, err)
	}
	s.cfg.Logf("orders: order=%s cancellation requested", orderID)
	return nil
}

// appendAndPublish records p as the next event of the order and enqueues
// the matching integration message with the same id. It must run inside a
// transaction.
func appendAndPublish(ctx context.Context, cfg Config, orderID uuid.UUID, expectedVersion int64, p contracts.Payload) error {
	now := cfg.Now()
	evt, err := eventlog.New(p, now)
	if err != nil {
		return err
	}
	if _, err := cfg.Events.Append(ctx, orderID, expectedVersion, evt); err != nil {
		return err
	}
	msg, err := contracts.NewMessage(p, now)
	if err != nil {
		return err
	}
	msg.ID = evt.ID.String()
	return cfg.Sender.Publish(ctx, bus.InjectTrace(ctx, msg))
}
