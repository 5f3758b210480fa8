package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment/internal/db"
	"fulfillment/internal/eventlog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// eventAppendLock serializes appends so sequence numbers become visible in
// order: a reader that saw seq n never later finds a smaller one.
const eventAppendLock = 7_302_002

const uniqueViolation = "23505"

// EventStore is the Postgres event log.
type EventStore struct {
	db *sql.DB
	tx *db.Transactor
}

// NewEventStore constructs an EventStore backed by Postgres.
func NewEventStore(sqlDB *sql.DB) *EventStore {
	return &EventStore{db: sqlDB, tx: db.NewTransactor(sqlDB)}
}

// NewEventStoreWithSchema initializes the schema then returns the store.
func NewEventStoreWithSchema(ctx context.Context, sqlDB *sql.DB) (*EventStore, error) {
	store := NewEventStore(sqlDB)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the event table if it does not exist.
func (s *EventStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_events (
			seq BIGSERIAL PRIMARY KEY,
			id UUID UNIQUE NOT NULL,
			aggregate_id UUID NOT NULL,
			version BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (aggregate_id, version)
		)
	`)
	return err
}

// Append implements eventlog.Store. It joins the transaction in ctx or
// opens its own.
func (s *EventStore) Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int64, events ...eventlog.Event) ([]eventlog.Event, error) {
	var out []eventlog.Event
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, s.db)
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, eventAppendLock); err != nil {
			return fmt.Errorf("append lock: %w", err)
		}
		var current int64
		if err := q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM order_events WHERE aggregate_id = $1`,
			aggregateID,
		).Scan(&current); err != nil {
			return fmt.Errorf("read version of %s: %w", aggregateID, err)
		}
		if current != expectedVersion {
			return fmt.Errorf("%w: order %s at version %d, expected %d",
				eventlog.ErrConcurrencyConflict, aggregateID, current, expectedVersion)
		}

		for i, e := range events {
			e.AggregateID = aggregateID
			e.Version = expectedVersion + int64(i) + 1
			err := q.QueryRowContext(ctx, `
				INSERT INTO order_events (id, aggregate_id, version, type, payload, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING seq`,
				e.ID, e.AggregateID, e.Version, e.Type, []byte(e.Payload), e.CreatedAt,
			).Scan(&e.Seq)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
					return fmt.Errorf("%w: order %s version %d: %s",
						eventlog.ErrConcurrencyConflict, aggregateID, e.Version, pgErr.ConstraintName)
				}
				return fmt.Errorf("append %s to %s: %w", e.Type, aggregateID, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const eventColumns = `seq, id, aggregate_id, version, type, payload, created_at`

func scanEvents(rows *sql.Rows) ([]eventlog.Event, error) {
	defer rows.Close()
	var out []eventlog.Event
	for rows.Next() {
		var (
			e       eventlog.Event
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.AggregateID, &e.Version, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReadAfter returns up to limit events with seq > afterSeq in log order.
func (s *EventStore) ReadAfter(ctx context.Context, afterSeq int64, limit int) ([]eventlog.Event, error) {
	rows, err := db.Conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM order_events WHERE seq > $1 ORDER BY seq LIMIT $2`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read events after %d: %w", afterSeq, err)
	}
	return scanEvents(rows)
}

// ReadAggregate returns the full history of one order.
func (s *EventStore) ReadAggregate(ctx context.Context, aggregateID uuid.UUID) ([]eventlog.Event, error) {
	rows, err := db.Conn(ctx, s.db).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM order_events WHERE aggregate_id = $1 ORDER BY version`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("read order %s: %w", aggregateID, err)
	}
	return scanEvents(rows)
}
