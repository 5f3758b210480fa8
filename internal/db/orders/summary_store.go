package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fulfillment/internal/db"
	"fulfillment/internal/projection"

	"github.com/google/uuid"
)

// SummaryStore keeps order summaries and projection checkpoints.
type SummaryStore struct {
	db *sql.DB
	tx *db.Transactor
}

// NewSummaryStore constructs a SummaryStore backed by Postgres.
func NewSummaryStore(sqlDB *sql.DB) *SummaryStore {
	return &SummaryStore{db: sqlDB, tx: db.NewTransactor(sqlDB)}
}

// NewSummaryStoreWithSchema initializes the schema then returns the store.
func NewSummaryStoreWithSchema(ctx context.Context, sqlDB *sql.DB) (*SummaryStore, error) {
	store := NewSummaryStore(sqlDB)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the summary and checkpoint tables if they do not exist.
func (s *SummaryStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_summaries (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL,
			total_price NUMERIC(18,2) NOT NULL,
			buyer TEXT NOT NULL DEFAULT '',
			basket_id UUID NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			last_seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_summaries_list_idx ON order_summaries (created_at DESC, last_seq DESC)`,
		`CREATE TABLE IF NOT EXISTS projection_checkpoints (
			name TEXT PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const summaryColumns = `id, status, total_price, buyer, basket_id, reason, version, last_seq, created_at, updated_at`

func scanSummary(row scanner) (projection.OrderSummary, error) {
	var sum projection.OrderSummary
	err := row.Scan(&sum.ID, &sum.Status, &sum.TotalPrice, &sum.Buyer, &sum.BasketID, &sum.Reason,
		&sum.Version, &sum.LastSeq, &sum.CreatedAt, &sum.UpdatedAt)
	return sum, err
}

// GetSummary returns the summary for id, if any.
func (s *SummaryStore) GetSummary(ctx context.Context, id uuid.UUID) (projection.OrderSummary, bool, error) {
	row := db.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM order_summaries WHERE id = $1`, id)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return projection.OrderSummary{}, false, nil
	}
	if err != nil {
		return projection.OrderSummary{}, false, fmt.Errorf("get summary %s: %w", id, err)
	}
	return sum, true, nil
}

// SaveSummaries upserts summaries. A stored row that already reflects a later
// event is left alone.
func (s *SummaryStore) SaveSummaries(ctx context.Context, summaries []projection.OrderSummary) error {
	q := db.Conn(ctx, s.db)
	for _, sum := range summaries {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO order_summaries (`+summaryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status,
				total_price = EXCLUDED.total_price,
				buyer = EXCLUDED.buyer,
				basket_id = EXCLUDED.basket_id,
				reason = EXCLUDED.reason,
				version = EXCLUDED.version,
				last_seq = EXCLUDED.last_seq,
				updated_at = EXCLUDED.updated_at
			WHERE order_summaries.last_seq < EXCLUDED.last_seq`,
			sum.ID, sum.Status, sum.TotalPrice, sum.Buyer, sum.BasketID, sum.Reason,
			sum.Version, sum.LastSeq, sum.CreatedAt, sum.UpdatedAt,
		); err != nil {
			return fmt.Errorf("save summary %s: %w", sum.ID, err)
		}
	}
	return nil
}

// ListSummaries returns summaries newest first. Buyer matches ignore case.
func (s *SummaryStore) ListSummaries(ctx context.Context, f projection.Filter) ([]projection.OrderSummary, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Buyer != "" {
		args = append(args, strings.ToLower(f.Buyer))
		where = append(where, fmt.Sprintf("lower(buyer) = $%d", len(args)))
	}

	query := `SELECT ` + summaryColumns + ` FROM order_summaries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, last_seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []projection.OrderSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Checkpoint returns the last folded seq for name, or 0.
func (s *SummaryStore) Checkpoint(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := db.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT seq FROM projection_checkpoints WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return seq, nil
}

// SaveCheckpoint moves the checkpoint forward; it never moves back.
func (s *SummaryStore) SaveCheckpoint(ctx context.Context, name string, seq int64) error {
	_, err := db.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO projection_checkpoints (name, seq)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
		SET seq = GREATEST(projection_checkpoints.seq, EXCLUDED.seq)`,
		name, seq,
	)
	return err
}

// Reset drops every summary and the named checkpoint.
func (s *SummaryStore) Reset(ctx context.Context, name string) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, s.db)
		if _, err := q.ExecContext(ctx, `DELETE FROM order_summaries`); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM projection_checkpoints WHERE name = $1`, name)
		return err
	})
}
