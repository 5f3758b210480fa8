// Package inbox suppresses duplicate processing of at-least-once deliveries.
package inbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/observability"
)

// Store records which messages a consumer has processed.
type Store interface {
	// Claim inserts (consumer, messageID) and reports whether it was new.
	// It must join the transaction carried by ctx.
	Claim(ctx context.Context, consumer, messageID string, at time.Time) (bool, error)
}

// Transactor runs fn in one atomic unit of work carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config wires a Guard.
type Config struct {
	Consumer string
	Store    Store
	Tx       Transactor
	Metrics  *observability.Metrics
	Logf     func(format string, args ...any)
	Now      func() time.Time
}

// Guard returns h wrapped so that the claim and every write h makes commit
// together. A message already claimed by the consumer is acknowledged
// without running h; a failing h rolls the claim back.
func Guard(cfg Config, h bus.Handler) bus.Handler {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(ctx context.Context, msg bus.Message) error {
		if msg.ID == "" {
			return fmt.Errorf("inbox: %s received a message without id", cfg.Consumer)
		}
		return cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
			claimed, err := cfg.Store.Claim(ctx, cfg.Consumer, msg.ID, cfg.Now().UTC())
			if err != nil {
				return fmt.Errorf("inbox claim %s/%s: %w", cfg.Consumer, msg.ID, err)
			}
			if !claimed {
				cfg.Logf("inbox: consumer=%s message=%s type=%s already processed", cfg.Consumer, msg.ID, msg.Type)
				cfg.Metrics.Inc("inbox/duplicate/" + cfg.Consumer)
				return nil
			}
			return h(ctx, msg)
		})
	}
}

// Parked is a message a consumer set aside after its handler kept failing.
type Parked struct {
	Consumer string
	Message  bus.Message
	Reason   string
	ParkedAt time.Time
}
