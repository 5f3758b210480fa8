// Package db carries the current SQL transaction through a context so that
// stores written against *sql.DB join a unit of work opened elsewhere.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Querier is the subset of *sql.DB and *sql.Tx used by the stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// WithTx returns ctx carrying tx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom returns the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// Conn returns the transaction in ctx or falls back to db.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return db
}

// Transactor runs functions inside a database transaction.
type Transactor struct {
	db *sql.DB
}

// NewTransactor constructs a Transactor over db.
func NewTransactor(db *sql.DB) *Transactor {
	return &Transactor{db: db}
}

// WithinTx runs fn in a transaction. If ctx already carries one, fn joins it
// and the outermost caller decides commit or rollback.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
