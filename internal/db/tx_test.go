package db

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tr := NewTransactor(sqlDB)
	err = tr.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, ok := TxFrom(ctx); !ok {
			t.Fatalf("expected tx in context")
		}
		_, err := Conn(ctx, sqlDB).ExecContext(ctx, "INSERT INTO inbox_records VALUES (1)")
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = NewTransactor(sqlDB).WithinTx(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxJoinsOuterTransaction(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	tr := NewTransactor(sqlDB)
	err = tr.WithinTx(context.Background(), func(outer context.Context) error {
		outerTx, _ := TxFrom(outer)
		return tr.WithinTx(outer, func(inner context.Context) error {
			innerTx, _ := TxFrom(inner)
			if innerTx != outerTx {
				t.Fatalf("expected nested call to reuse the outer tx")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
