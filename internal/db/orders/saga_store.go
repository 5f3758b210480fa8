package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment/internal/db"
	"fulfillment/internal/saga"

	"github.com/google/uuid"
)

// SagaStore persists checkout saga instances in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga table if it does not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_sagas (
			correlation_id UUID PRIMARY KEY,
			state TEXT NOT NULL,
			basket_id UUID NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			total_money NUMERIC(18,2) NOT NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Load returns the saga for id, if any.
func (s *SagaStore) Load(ctx context.Context, id uuid.UUID) (saga.OrderState, bool, error) {
	row := db.Conn(ctx, s.db).QueryRowContext(ctx, `
		SELECT correlation_id, state, basket_id, email, total_money, version, created_at, updated_at
		FROM order_sagas
		WHERE correlation_id = $1`,
		id,
	)

	var st saga.OrderState
	var state string
	err := row.Scan(&st.CorrelationID, &state, &st.BasketID, &st.Email, &st.TotalMoney, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.OrderState{}, false, nil
	}
	if err != nil {
		return saga.OrderState{}, false, fmt.Errorf("load saga %s: %w", id, err)
	}
	st.State = saga.State(state)
	return st, true, nil
}

// Insert creates the saga row. It reports false when the saga already exists.
func (s *SagaStore) Insert(ctx context.Context, st saga.OrderState) (bool, error) {
	res, err := db.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO order_sagas (correlation_id, state, basket_id, email, total_money, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (correlation_id) DO NOTHING`,
		st.CorrelationID, string(st.State), st.BasketID, st.Email, st.TotalMoney, st.Version, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Update writes st only if the stored version is still expectedVersion.
func (s *SagaStore) Update(ctx context.Context, st saga.OrderState, expectedVersion int64) (bool, error) {
	res, err := db.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE order_sagas
		SET state = $2, version = $3, updated_at = $4
		WHERE correlation_id = $1 AND version = $5`,
		st.CorrelationID, string(st.State), st.Version, st.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
