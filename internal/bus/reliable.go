package bus

import (
	"context"

	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"
)

// ReliablePublisher runs every publish through a limiter, breaker and retry
// guard so a struggling broker is not hammered by the relay.
type ReliablePublisher struct {
	inner   Publisher
	guard   reliability.Guard
	metrics *observability.Metrics
}

// NewReliablePublisher wraps inner with guard.
func NewReliablePublisher(inner Publisher, guard reliability.Guard, metrics *observability.Metrics) *ReliablePublisher {
	return &ReliablePublisher{inner: inner, guard: guard, metrics: metrics}
}

func (p *ReliablePublisher) Publish(ctx context.Context, msg Message) error {
	span := p.metrics.Start("publish/" + msg.Topic)
	err := p.guard.Do(ctx, func() error {
		return p.inner.Publish(ctx, msg)
	})
	span.End(err)
	return err
}
