package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/db"
	"fulfillment/internal/outbox"
)

// outboxLeaseLock serializes Lease calls across relays so that the
// same-key blocking check always sees committed leases.
const outboxLeaseLock = 7_302_001

// OutboxStore is the Postgres outbox.
type OutboxStore struct {
	db *sql.DB
	tx *db.Transactor
}

// NewOutboxStore constructs an OutboxStore backed by Postgres.
func NewOutboxStore(sqlDB *sql.DB) *OutboxStore {
	return &OutboxStore{db: sqlDB, tx: db.NewTransactor(sqlDB)}
}

// NewOutboxStoreWithSchema initializes the schema then returns the store.
func NewOutboxStoreWithSchema(ctx context.Context, sqlDB *sql.DB) (*OutboxStore, error) {
	store := NewOutboxStore(sqlDB)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the outbox table if it does not exist.
func (s *OutboxStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			topic TEXT NOT NULL,
			msg_key TEXT NOT NULL,
			msg_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			headers JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			lease_owner TEXT,
			lease_until TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			delivered_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_messages_pending_idx
			ON outbox_messages (msg_key, seq) WHERE status = 'pending'`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue inserts msgs as pending rows in the transaction carried by ctx.
func (s *OutboxStore) Enqueue(ctx context.Context, msgs ...bus.Message) error {
	q := db.Conn(ctx, s.db)
	for _, msg := range msgs {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("encode headers of %s: %w", msg.ID, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO outbox_messages (id, topic, msg_key, msg_type, payload, headers, created_at, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			msg.ID, msg.Topic, msg.Key, msg.Type, msg.Payload, headers, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("enqueue %s: %w", msg.ID, err)
		}
	}
	return nil
}

// Lease marks up to limit due rows with owner. A row whose key has an
// earlier pending row that is backing off or leased elsewhere is skipped.
func (s *OutboxStore) Lease(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]outbox.Record, error) {
	var out []leasedRecord
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, s.db)
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxLeaseLock); err != nil {
			return fmt.Errorf("lease lock: %w", err)
		}
		rows, err := q.QueryContext(ctx, `
			WITH candidates AS (
				SELECT o.seq
				FROM outbox_messages o
				WHERE o.status = 'pending'
					AND o.next_attempt_at <= $2
					AND (o.lease_owner IS NULL OR o.lease_until <= $2)
					AND NOT EXISTS (
						SELECT 1 FROM outbox_messages e
						WHERE e.msg_key = o.msg_key
							AND e.status = 'pending'
							AND e.seq < o.seq
							AND (e.next_attempt_at > $2 OR (e.lease_owner IS NOT NULL AND e.lease_until > $2))
					)
				ORDER BY o.seq
				LIMIT $4
			)
			UPDATE outbox_messages m
			SET lease_owner = $1, lease_until = $3
			FROM candidates c
			WHERE m.seq = c.seq
			RETURNING m.seq, m.id, m.topic, m.msg_key, m.msg_type, m.payload, m.headers, m.created_at,
				m.status, m.attempts, m.next_attempt_at, m.last_error, m.delivered_at`,
			owner, now, leaseUntil, limit,
		)
		if err != nil {
			return fmt.Errorf("lease: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rec leasedRecord
			if err := scanRecord(rows, &rec.seq, &rec.Record); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the candidate order.
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	records := make([]outbox.Record, len(out))
	for i, r := range out {
		records[i] = r.Record
	}
	return records, nil
}

type leasedRecord struct {
	seq int64
	outbox.Record
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, seq *int64, rec *outbox.Record) error {
	var (
		headers     []byte
		status      string
		deliveredAt sql.NullTime
	)
	err := row.Scan(seq, &rec.Message.ID, &rec.Message.Topic, &rec.Message.Key, &rec.Message.Type,
		&rec.Message.Payload, &headers, &rec.Message.CreatedAt,
		&status, &rec.Attempts, &rec.NextAttemptAt, &rec.LastError, &deliveredAt)
	if err != nil {
		return fmt.Errorf("scan outbox row: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Message.Headers); err != nil {
			return fmt.Errorf("decode headers of %s: %w", rec.Message.ID, err)
		}
	}
	rec.Status = outbox.Status(status)
	if deliveredAt.Valid {
		t := deliveredAt.Time
		rec.DeliveredAt = &t
	}
	return nil
}

// held runs an update that only applies to a pending row leased by owner.
func (s *OutboxStore) held(ctx context.Context, id, owner, query string, args ...any) error {
	res, err := db.Conn(ctx, s.db).ExecContext(ctx, query, append([]any{id, owner}, args...)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s not leased by %s", outbox.ErrNotFound, id, owner)
	}
	return nil
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id, owner string, at time.Time) error {
	return s.held(ctx, id, owner, `
		UPDATE outbox_messages
		SET status = 'delivered', delivered_at = $3, lease_owner = NULL, lease_until = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'pending'`,
		at,
	)
}

func (s *OutboxStore) MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string) error {
	return s.held(ctx, id, owner, `
		UPDATE outbox_messages
		SET attempts = $3, next_attempt_at = $4, last_error = $5, lease_owner = NULL, lease_until = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'pending'`,
		attempts, next, lastErr,
	)
}

func (s *OutboxStore) Release(ctx context.Context, id, owner string) error {
	return s.held(ctx, id, owner, `
		UPDATE outbox_messages
		SET lease_owner = NULL, lease_until = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'pending'`,
	)
}

func (s *OutboxStore) Park(ctx context.Context, id, owner string, attempts int, reason string) error {
	return s.held(ctx, id, owner, `
		UPDATE outbox_messages
		SET status = 'parked', attempts = $3, last_error = $4, lease_owner = NULL, lease_until = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'pending'`,
		attempts, reason,
	)
}

// ListParked returns parked rows, oldest first.
func (s *OutboxStore) ListParked(ctx context.Context, limit int) ([]outbox.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Conn(ctx, s.db).QueryContext(ctx, `
		SELECT seq, id, topic, msg_key, msg_type, payload, headers, created_at,
			status, attempts, next_attempt_at, last_error, delivered_at
		FROM outbox_messages
		WHERE status = 'parked'
		ORDER BY seq
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Record
	for rows.Next() {
		var (
			seq int64
			rec outbox.Record
		)
		if err := scanRecord(rows, &seq, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Requeue returns a parked row to pending with a fresh attempt budget.
func (s *OutboxStore) Requeue(ctx context.Context, id string, at time.Time) error {
	res, err := db.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', attempts = 0, next_attempt_at = $2, last_error = ''
		WHERE id = $1 AND status = 'parked'`,
		id, at,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

// Pending counts undelivered rows.
func (s *OutboxStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := db.Conn(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_messages WHERE status = 'pending'`).Scan(&n)
	return n, err
}
