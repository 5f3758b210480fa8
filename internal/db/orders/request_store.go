package ordersdb

import (
	"context"
	"database/sql"
	"time"

	"fulfillment/internal/db"
	"fulfillment/internal/idempotency"
)

// RequestStore is the durable idempotency store.
type RequestStore struct {
	db *sql.DB
}

// NewRequestStore constructs a RequestStore backed by Postgres.
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db}
}

// NewRequestStoreWithSchema initializes the schema then returns the store.
func NewRequestStoreWithSchema(ctx context.Context, db *sql.DB) (*RequestStore, error) {
	store := NewRequestStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the client request table if it does not exist.
func (s *RequestStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS client_requests (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS client_requests_expires_idx ON client_requests (expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Reserve inserts req. An expired record with the same id is replaced; a
// live one makes Reserve report false. The primary key makes concurrent
// reservations of one key accept exactly one.
func (s *RequestStore) Reserve(ctx context.Context, req idempotency.ClientRequest) (bool, error) {
	res, err := db.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO client_requests (id, name, time, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, time = EXCLUDED.time, expires_at = EXCLUDED.expires_at
		WHERE client_requests.expires_at <= EXCLUDED.time`,
		req.ID, req.Name, req.Time, req.ExpiresAt,
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

// PurgeExpired deletes records that expired at or before now.
func (s *RequestStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.Conn(ctx, s.db).ExecContext(ctx, `DELETE FROM client_requests WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
