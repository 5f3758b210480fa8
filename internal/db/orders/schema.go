// Package ordersdb holds the Postgres stores behind the checkout saga, the
// outbox and inbox, the order event log, and its read models.
package ordersdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment/internal/db"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Stores groups every Postgres store over one pool.
type Stores struct {
	DB        *sql.DB
	Tx        *db.Transactor
	Sagas     *SagaStore
	Outbox    *OutboxStore
	Inbox     *InboxStore
	Requests  *RequestStore
	Events    *EventStore
	Summaries *SummaryStore
}

// Open connects with the pgx driver, checks the connection and creates the
// schema.
func Open(ctx context.Context, dsn string) (*Stores, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	stores := NewStores(sqlDB)
	if err := stores.InitSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return stores, nil
}

// NewStores builds the stores without touching the database.
func NewStores(sqlDB *sql.DB) *Stores {
	return &Stores{
		DB:        sqlDB,
		Tx:        db.NewTransactor(sqlDB),
		Sagas:     NewSagaStore(sqlDB),
		Outbox:    NewOutboxStore(sqlDB),
		Inbox:     NewInboxStore(sqlDB),
		Requests:  NewRequestStore(sqlDB),
		Events:    NewEventStore(sqlDB),
		Summaries: NewSummaryStore(sqlDB),
	}
}

// InitSchema creates every table the stores use.
func (s *Stores) InitSchema(ctx context.Context) error {
	steps := []interface {
		InitSchema(context.Context) error
	}{s.Sagas, s.Outbox, s.Inbox, s.Requests, s.Events, s.Summaries}
	for _, step := range steps {
		if err := step.InitSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the pool.
func (s *Stores) Close() error {
	return s.DB.Close()
}
