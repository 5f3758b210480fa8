package memstore

import (
	"context"

	"fulfillment/internal/saga"

	"github.com/google/uuid"
)

// Sagas returns the saga.Store view.
func (s *Store) Sagas() saga.Store { return sagaStore{s} }

type sagaStore struct{ s *Store }

func (v sagaStore) Load(ctx context.Context, id uuid.UUID) (saga.OrderState, bool, error) {
	var (
		out   saga.OrderState
		found bool
	)
	err := v.s.do(ctx, func(d *data) error {
		out, found = d.sagas[id]
		return nil
	})
	return out, found, err
}

func (v sagaStore) Insert(ctx context.Context, st saga.OrderState) (bool, error) {
	inserted := false
	err := v.s.do(ctx, func(d *data) error {
		if _, exists := d.sagas[st.CorrelationID]; exists {
			return nil
		}
		d.sagas[st.CorrelationID] = st
		inserted = true
		return nil
	})
	return inserted, err
}

func (v sagaStore) Update(ctx context.Context, st saga.OrderState, expectedVersion int64) (bool, error) {
	updated := false
	err := v.s.do(ctx, func(d *data) error {
		current, ok := d.sagas[st.CorrelationID]
		if !ok || current.Version != expectedVersion {
			return nil
		}
		d.sagas[st.CorrelationID] = st
		updated = true
		return nil
	})
	return updated, err
}
