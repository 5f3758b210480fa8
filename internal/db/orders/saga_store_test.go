package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var (
	sagaID   = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	basketID = uuid.MustParse("00000000-0000-4000-8000-0000000000b1")
	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestSagaStore_WithSchema_Error(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_sagas").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	if _, err := NewSagaStoreWithSchema(context.Background(), db); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestSagaStore_Insert(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	st := saga.OrderState{
		CorrelationID: sagaID,
		State:         saga.StatePlaced,
		BasketID:      basketID,
		Email:         "ada@example.com",
		TotalMoney:    decimal.RequireFromString("42.00"),
		Version:       1,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	mock.ExpectExec("INSERT INTO order_sagas").
		WithArgs(sagaID.String(), "placed", basketID.String(), "ada@example.com", sqlmock.AnyArg(), int64(1), t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_sagas").
		WithArgs(sagaID.String(), "placed", basketID.String(), "ada@example.com", sqlmock.AnyArg(), int64(1), t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	created, err := store.Insert(context.Background(), st)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !created {
		t.Fatalf("expected first insert to create the saga")
	}
	created, err = store.Insert(context.Background(), st)
	if err != nil {
		t.Fatalf("Insert duplicate: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate insert to report false")
	}
}

func TestSagaStore_Load(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	cols := []string{"correlation_id", "state", "basket_id", "email", "total_money", "version", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT correlation_id, state, basket_id").
		WithArgs(sagaID.String()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(sagaID.String(), "completed", basketID.String(), "ada@example.com", "42.00", int64(2), t0, t0.Add(time.Minute)))
	mock.ExpectQuery("SELECT correlation_id, state, basket_id").
		WithArgs(sagaID.String()).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectClose()

	store := NewSagaStore(db)
	st, ok, err := store.Load(context.Background(), sagaID)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if st.State != saga.StateCompleted || st.Version != 2 || st.BasketID != basketID {
		t.Fatalf("unexpected saga: %+v", st)
	}
	if !st.TotalMoney.Equal(decimal.RequireFromString("42")) {
		t.Fatalf("unexpected total: %s", st.TotalMoney)
	}

	_, ok, err = store.Load(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing saga")
	}
}

func TestSagaStore_Update_StaleVersion(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	st := saga.OrderState{CorrelationID: sagaID, State: saga.StateCompleted, Version: 2, UpdatedAt: t0}
	mock.ExpectExec("UPDATE order_sagas").
		WithArgs(sagaID.String(), "completed", int64(2), t0, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	ok, err := store.Update(context.Background(), st, 1)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ok {
		t.Fatalf("expected stale update to report false")
	}
}

func TestSagaStore_Insert_RowsAffectedError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO order_sagas").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows affected boom")))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if _, err := store.Insert(context.Background(), saga.OrderState{CorrelationID: sagaID}); err == nil {
		t.Fatalf("expected rows affected error")
	}
}
