package saga

import (
	"context"
	"fmt"
	"log"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/contracts"
	"fulfillment/internal/reliability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Topics consumed by the orchestrator.
var Topics = []string{
	contracts.TopicUserCheckedOut,
	contracts.TopicBasketDeletedComplete,
	contracts.TopicBasketDeletedFailed,
	contracts.TopicCancellationRequested,
	contracts.TopicOrderProcessingFailed,
}

// Config wires an Orchestrator. Sender is expected to be the outbox sender so
// emitted messages commit with the state change.
type Config struct {
	Store  Store
	Tx     Transactor
	Sender bus.Publisher
	Tracer trace.Tracer
	Logf   func(format string, args ...any)
	Now    func() time.Time
}

// Orchestrator applies integration events to saga instances.
type Orchestrator struct {
	store  Store
	tx     Transactor
	sender bus.Publisher
	tracer trace.Tracer
	logf   func(format string, args ...any)
	now    func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("saga")
	}
	return &Orchestrator{
		store:  cfg.Store,
		tx:     cfg.Tx,
		sender: cfg.Sender,
		tracer: cfg.Tracer,
		logf:   cfg.Logf,
		now:    cfg.Now,
	}
}

// Handle is a bus.Handler. Everything it writes, including outgoing
// messages, commits in one transaction or not at all.
func (o *Orchestrator) Handle(ctx context.Context, msg bus.Message) error {
	payload, err := contracts.Decode(msg)
	if err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, "saga "+payload.MessageType(),
		trace.WithAttributes(
			attribute.String("saga.correlation_id", payload.OrderRef().String()),
			attribute.String("messaging.message_id", msg.ID),
		),
	)
	defer span.End()

	var decision Decision
	err = o.tx.WithinTx(ctx, func(ctx context.Context) error {
		var applied bool
		decision, applied, err = o.apply(ctx, payload)
		if err != nil || !applied {
			return err
		}
		for _, out := range decision.Emit {
			if err := o.emit(ctx, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.String("saga.outcome", decision.Outcome.String()),
		attribute.String("saga.state", string(decision.Next.State)),
	)
	return nil
}

// apply loads, decides and persists. applied is false when the message was a
// no-op or lost an optimistic concurrency race.
func (o *Orchestrator) apply(ctx context.Context, payload contracts.Payload) (Decision, bool, error) {
	orderID := payload.OrderRef()
	current, found, err := o.store.Load(ctx, orderID)
	if err != nil {
		return Decision{}, false, fmt.Errorf("load saga %s: %w", orderID, err)
	}
	var currentPtr *OrderState
	if found {
		currentPtr = &current
	}

	decision, err := Transition(currentPtr, payload, o.now().UTC())
	if err != nil {
		return Decision{}, false, reliability.Permanent(err)
	}

	switch decision.Outcome {
	case Ignored:
		o.logf("saga: order=%s state=%s ignored %s", orderID, current.State, payload.MessageType())
		return decision, false, nil
	case Created:
		inserted, err := o.store.Insert(ctx, decision.Next)
		if err != nil {
			return Decision{}, false, fmt.Errorf("insert saga %s: %w", orderID, err)
		}
		if !inserted {
			o.logf("saga: order=%s already started, ignoring duplicate %s", orderID, payload.MessageType())
			return decision, false, nil
		}
	case Advanced:
		updated, err := o.store.Update(ctx, decision.Next, current.Version)
		if err != nil {
			return Decision{}, false, fmt.Errorf("update saga %s: %w", orderID, err)
		}
		if !updated {
			o.logf("saga: order=%s version=%d stale, dropping %s", orderID, current.Version, payload.MessageType())
			return decision, false, nil
		}
	}

	o.logf("saga: order=%s %s -> %s version=%d on %s",
		orderID, stateOrInitial(currentPtr), decision.Next.State, decision.Next.Version, payload.MessageType())
	return decision, true, nil
}

func (o *Orchestrator) emit(ctx context.Context, p contracts.Payload) error {
	msg, err := contracts.NewMessage(p, o.now())
	if err != nil {
		return err
	}
	if err := o.sender.Publish(ctx, bus.InjectTrace(ctx, msg)); err != nil {
		return fmt.Errorf("enqueue %s: %w", p.MessageType(), err)
	}
	return nil
}

func stateOrInitial(s *OrderState) string {
	if s == nil {
		return "initial"
	}
	return string(s.State)
}
