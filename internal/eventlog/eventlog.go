// Package eventlog is the append-only history of order aggregates.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/contracts"

	"github.com/google/uuid"
)

// ErrConcurrencyConflict is returned by Append when the aggregate moved past
// the expected version. Callers reload and decide again.
var ErrConcurrencyConflict = errors.New("eventlog: concurrency conflict")

// Event is one immutable fact. Seq orders all events globally; Version orders
// the events of one aggregate starting at 1.
type Event struct {
	Seq         int64
	ID          uuid.UUID
	AggregateID uuid.UUID
	Version     int64
	Type        string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// Store appends and reads events. Append assigns Seq and Version; a reader
// that has seen Seq n never later observes a new event with Seq <= n.
type Store interface {
	Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int64, events ...Event) ([]Event, error)
	ReadAfter(ctx context.Context, afterSeq int64, limit int) ([]Event, error)
	ReadAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
}

// New builds an unsaved event from a contract payload.
func New(p contracts.Payload, now time.Time) (Event, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", p.MessageType(), err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("event id: %w", err)
	}
	return Event{
		ID:          id,
		AggregateID: p.OrderRef(),
		Type:        p.MessageType(),
		Payload:     body,
		CreatedAt:   now.UTC(),
	}, nil
}

// Decode returns the contract payload of e.
func (e Event) Decode() (contracts.Payload, error) {
	return contracts.DecodeAs(e.Type, e.Payload)
}

// LastVersion returns the version of the newest event, or 0.
func LastVersion(events []Event) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Version
}
