package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"fulfillment/internal/eventlog"
	"fulfillment/internal/projection"

	"github.com/google/uuid"
)

// Events returns the eventlog.Store view.
func (s *Store) Events() eventlog.Store { return eventStore{s} }

type eventStore struct{ s *Store }

func (v eventStore) Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int64, events ...eventlog.Event) ([]eventlog.Event, error) {
	var out []eventlog.Event
	err := v.s.do(ctx, func(d *data) error {
		idx := d.byAggregate[aggregateID]
		current := int64(0)
		if len(idx) > 0 {
			current = d.events[idx[len(idx)-1]].Version
		}
		if current != expectedVersion {
			return fmt.Errorf("%w: order %s at version %d, expected %d",
				eventlog.ErrConcurrencyConflict, aggregateID, current, expectedVersion)
		}
		for i, e := range events {
			e.AggregateID = aggregateID
			e.Version = expectedVersion + int64(i) + 1
			e.Seq = int64(len(d.events)) + 1
			e.Payload = append([]byte(nil), e.Payload...)
			d.byAggregate[aggregateID] = append(d.byAggregate[aggregateID], len(d.events))
			d.events = append(d.events, e)
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (v eventStore) ReadAfter(ctx context.Context, afterSeq int64, limit int) ([]eventlog.Event, error) {
	var out []eventlog.Event
	err := v.s.do(ctx, func(d *data) error {
		// Seq is the 1-based position in the slice.
		for i := int(afterSeq); i < len(d.events); i++ {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, d.events[i])
		}
		return nil
	})
	return out, err
}

func (v eventStore) ReadAggregate(ctx context.Context, aggregateID uuid.UUID) ([]eventlog.Event, error) {
	var out []eventlog.Event
	err := v.s.do(ctx, func(d *data) error {
		for _, i := range d.byAggregate[aggregateID] {
			out = append(out, d.events[i])
		}
		return nil
	})
	return out, err
}

// Summaries returns the projection.Store view.
func (s *Store) Summaries() projection.Store { return summaryStore{s} }

type summaryStore struct{ s *Store }

func (v summaryStore) GetSummary(ctx context.Context, id uuid.UUID) (projection.OrderSummary, bool, error) {
	var (
		out   projection.OrderSummary
		found bool
	)
	err := v.s.do(ctx, func(d *data) error {
		out, found = d.summaries[id]
		return nil
	})
	return out, found, err
}

func (v summaryStore) SaveSummaries(ctx context.Context, summaries []projection.OrderSummary) error {
	return v.s.do(ctx, func(d *data) error {
		for _, sum := range summaries {
			if existing, ok := d.summaries[sum.ID]; ok && existing.LastSeq >= sum.LastSeq {
				continue
			}
			d.summaries[sum.ID] = sum
		}
		return nil
	})
}

func (v summaryStore) ListSummaries(ctx context.Context, f projection.Filter) ([]projection.OrderSummary, error) {
	var out []projection.OrderSummary
	err := v.s.do(ctx, func(d *data) error {
		for _, sum := range d.summaries {
			if f.Status != "" && sum.Status != f.Status {
				continue
			}
			if f.Buyer != "" && !strings.EqualFold(sum.Buyer, f.Buyer) {
				continue
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LastSeq > out[j].LastSeq
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (v summaryStore) Checkpoint(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := v.s.do(ctx, func(d *data) error {
		seq = d.checkpoints[name]
		return nil
	})
	return seq, err
}

func (v summaryStore) SaveCheckpoint(ctx context.Context, name string, seq int64) error {
	return v.s.do(ctx, func(d *data) error {
		if seq > d.checkpoints[name] {
			d.checkpoints[name] = seq
		}
		return nil
	})
}

func (v summaryStore) Reset(ctx context.Context, name string) error {
	return v.s.do(ctx, func(d *data) error {
		d.summaries = make(map[uuid.UUID]projection.OrderSummary)
		delete(d.checkpoints, name)
		return nil
	})
}
