package bus

import (
	"context"
	"errors"
	"log"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ParkFunc durably sets aside a message whose handler kept failing.
// It runs after the retry budget is spent or on a permanent error.
type ParkFunc func(ctx context.Context, consumer string, msg Message, cause error) error

// DispatcherConfig configures retry, timeout and parking for consumers.
type DispatcherConfig struct {
	Retry   reliability.RetryPolicy
	Timeout time.Duration
	Park    ParkFunc
	Tracer  trace.Tracer
	Metrics *observability.Metrics
	Logf    func(format string, args ...any)
}

// Dispatcher decorates handlers with bounded retries, per-attempt timeouts,
// tracing and parking. Transient failures never reach the transport unless
// parking itself fails.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("bus")
	}
	return &Dispatcher{cfg: cfg}
}

// Wrap returns h guarded by the dispatcher policy for the named consumer.
func (d *Dispatcher) Wrap(consumer string, h Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		ctx = ExtractTrace(ctx, msg)
		ctx, span := d.cfg.Tracer.Start(ctx, "consume "+msg.Type,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.consumer", consumer),
				attribute.String("messaging.destination", msg.Topic),
				attribute.String("messaging.message_id", msg.ID),
				attribute.String("saga.correlation_id", msg.CorrelationID()),
			),
		)
		defer span.End()

		policy := d.cfg.Retry
		retryable := policy.ShouldRetry
		if retryable == nil {
			retryable = reliability.Retryable
		}
		policy.ShouldRetry = func(err error) bool {
			if ctx.Err() != nil || reliability.IsPermanent(err) {
				return false
			}
			// A per-attempt timeout is transient; the parent context is still alive.
			if errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return retryable(err)
		}

		call := d.cfg.Metrics.Start("consume/" + consumer)
		attempts := 0
		err := policy.Do(ctx, func() error {
			attempts++
			attemptCtx := ctx
			if d.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
				defer cancel()
			}
			return h(attemptCtx, msg)
		})
		call.End(err)
		if err == nil {
			return nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		// Shutdown: leave the message unacknowledged so it is redelivered.
		if ctx.Err() != nil {
			return err
		}
		d.cfg.Logf("bus: consumer=%s message=%s type=%s correlation=%s failed after %d attempt(s): %v",
			consumer, msg.ID, msg.Type, msg.CorrelationID(), attempts, err)
		if d.cfg.Park == nil {
			return err
		}
		if parkErr := d.cfg.Park(ctx, consumer, msg, err); parkErr != nil {
			d.cfg.Logf("bus: park consumer=%s message=%s: %v", consumer, msg.ID, parkErr)
			return errors.Join(err, parkErr)
		}
		d.cfg.Metrics.Inc("parked/" + consumer)
		return nil
	}
}
