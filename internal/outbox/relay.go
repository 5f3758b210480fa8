package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	Owner        string
	BatchSize    int
	PollInterval time.Duration
	LeaseFor     time.Duration
	// Backoff between attempts of one row; MaxAttempts bounds the attempts
	// before the row is parked.
	Backoff reliability.RetryPolicy
	Tracer  trace.Tracer
	Metrics *observability.Metrics
	Logf    func(format string, args ...any)
	Now     func() time.Time
}

// Relay moves pending outbox rows to the bus in creation order.
type Relay struct {
	store Store
	pub   bus.Publisher
	cfg   RelayConfig
}

func newRelay(store Store, pub bus.Publisher, cfg RelayConfig) *Relay {
	if cfg.Owner == "" {
		cfg.Owner = "relay"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 30 * time.Second
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = 10
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay = time.Second
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = 5 * time.Minute
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("outbox")
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{store: store, pub: pub, cfg: cfg}
}

// Run polls until ctx is done. A full batch is followed immediately by the
// next one; otherwise the relay sleeps for PollInterval.
func (r *Relay) Run(ctx context.Context) error {
	r.cfg.Logf("relay: started owner=%s batch=%d", r.cfg.Owner, r.cfg.BatchSize)
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.cfg.Logf("relay: batch failed: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if n == r.cfg.BatchSize && err == nil {
			continue
		}
		if err := reliability.SleepWithContext(ctx, r.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

// RunOnce leases one batch and tries to deliver it. It returns the number of
// rows leased.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.cfg.Now().UTC()
	records, err := r.store.Lease(ctx, r.cfg.Owner, now, now.Add(r.cfg.LeaseFor), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("lease: %w", err)
	}
	if len(records) == 0 {
		r.reportBacklog(ctx)
		return 0, nil
	}

	call := r.cfg.Metrics.Start("relay/batch")
	// A failed key blocks its later rows so per-order order survives retries.
	blocked := make(map[string]bool)
	var errs []error
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if blocked[rec.Message.Key] {
			if err := r.store.Release(ctx, rec.Message.ID, r.cfg.Owner); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := r.deliver(ctx, rec); err != nil {
			blocked[rec.Message.Key] = true
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	call.End(err)
	r.reportBacklog(ctx)
	return len(records), err
}

func (r *Relay) deliver(ctx context.Context, rec Record) error {
	msg := rec.Message
	ctx = bus.ExtractTrace(ctx, msg)
	ctx, span := r.cfg.Tracer.Start(ctx, "outbox publish "+msg.Type,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message_id", msg.ID),
			attribute.Int("outbox.attempt", rec.Attempts+1),
		),
	)
	defer span.End()

	pubErr := r.pub.Publish(ctx, msg)
	if pubErr == nil {
		if err := r.store.MarkDelivered(ctx, msg.ID, r.cfg.Owner, r.cfg.Now().UTC()); err != nil {
			// The message is out; it will be sent again after the lease
			// expires and consumers drop the duplicate.
			return fmt.Errorf("mark delivered %s: %w", msg.ID, err)
		}
		r.cfg.Metrics.Inc("outbox/delivered")
		return nil
	}

	span.RecordError(pubErr)
	span.SetStatus(codes.Error, pubErr.Error())
	attempts := rec.Attempts + 1
	if attempts >= r.cfg.Backoff.MaxAttempts || reliability.IsPermanent(pubErr) {
		r.cfg.Logf("relay: parking message=%s topic=%s after %d attempt(s): %v", msg.ID, msg.Topic, attempts, pubErr)
		if err := r.store.Park(ctx, msg.ID, r.cfg.Owner, attempts, pubErr.Error()); err != nil {
			return errors.Join(pubErr, fmt.Errorf("park %s: %w", msg.ID, err))
		}
		r.cfg.Metrics.Inc("outbox/parked")
		return pubErr
	}

	next := r.cfg.Now().UTC().Add(r.cfg.Backoff.Delay(attempts))
	r.cfg.Logf("relay: publish message=%s topic=%s attempt=%d failed, retry at %s: %v",
		msg.ID, msg.Topic, attempts, next.Format(time.RFC3339), pubErr)
	if err := r.store.MarkRetry(ctx, msg.ID, r.cfg.Owner, attempts, next, pubErr.Error()); err != nil {
		return errors.Join(pubErr, fmt.Errorf("mark retry %s: %w", msg.ID, err))
	}
	r.cfg.Metrics.Inc("outbox/retried")
	return pubErr
}

func (r *Relay) reportBacklog(ctx context.Context) {
	if r.cfg.Metrics == nil {
		return
	}
	if n, err := r.store.Pending(ctx); err == nil {
		r.cfg.Metrics.SetGauge("outbox/pending", n)
	}
}
