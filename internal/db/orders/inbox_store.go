package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/db"
	"fulfillment/internal/inbox"
)

// InboxStore records processed messages per consumer and keeps the
// messages consumers parked.
type InboxStore struct {
	db *sql.DB
}

// NewInboxStore constructs an InboxStore backed by Postgres.
func NewInboxStore(db *sql.DB) *InboxStore {
	return &InboxStore{db: db}
}

// NewInboxStoreWithSchema initializes the schema then returns the store.
func NewInboxStoreWithSchema(ctx context.Context, db *sql.DB) (*InboxStore, error) {
	store := NewInboxStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the inbox and parked message tables if they do not exist.
func (s *InboxStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inbox_records (
			consumer TEXT NOT NULL,
			message_id TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (consumer, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS parked_messages (
			id BIGSERIAL PRIMARY KEY,
			consumer TEXT NOT NULL,
			message_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			msg_key TEXT NOT NULL,
			msg_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			headers JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL,
			parked_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Claim implements inbox.Store.
func (s *InboxStore) Claim(ctx context.Context, consumer, messageID string, at time.Time) (bool, error) {
	res, err := db.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO inbox_records (consumer, message_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, message_id) DO NOTHING`,
		consumer, messageID, at,
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

// Park stores a message the consumer gave up on.
func (s *InboxStore) Park(ctx context.Context, consumer string, msg bus.Message, reason string, at time.Time) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("encode headers of %s: %w", msg.ID, err)
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = db.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO parked_messages (consumer, message_id, topic, msg_key, msg_type, payload, headers, created_at, reason, parked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		consumer, msg.ID, msg.Topic, msg.Key, msg.Type, payload, headers, msg.CreatedAt, reason, at,
	)
	return err
}

// ListParkedMessages returns parked messages, oldest first.
func (s *InboxStore) ListParkedMessages(ctx context.Context, limit int) ([]inbox.Parked, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Conn(ctx, s.db).QueryContext(ctx, `
		SELECT consumer, message_id, topic, msg_key, msg_type, payload, headers, created_at, reason, parked_at
		FROM parked_messages
		ORDER BY id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inbox.Parked
	for rows.Next() {
		var (
			p       inbox.Parked
			headers []byte
		)
		if err := rows.Scan(&p.Consumer, &p.Message.ID, &p.Message.Topic, &p.Message.Key, &p.Message.Type,
			&p.Message.Payload, &headers, &p.Message.CreatedAt, &p.Reason, &p.ParkedAt); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &p.Message.Headers); err != nil {
				return nil, fmt.Errorf("decode headers of %s: %w", p.Message.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
