package ordersdb

import (
	"context"
	"testing"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/idempotency"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestInboxStore_Claim(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO inbox_records").
		WithArgs("saga", "m-1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO inbox_records").
		WithArgs("saga", "m-1", t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewInboxStore(db)
	first, err := store.Claim(context.Background(), "saga", "m-1", t0)
	if err != nil || !first {
		t.Fatalf("first claim: ok=%v err=%v", first, err)
	}
	second, err := store.Claim(context.Background(), "saga", "m-1", t0)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second {
		t.Fatalf("expected duplicate claim to report false")
	}
}

func TestInboxStore_ParkAndList(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	msg := bus.Message{ID: "m-1", Topic: "orders.place", Key: "k", Type: "PlaceOrder", Payload: []byte(`{}`), CreatedAt: t0}
	parkedAt := t0.Add(time.Minute)
	mock.ExpectExec("INSERT INTO parked_messages").
		WithArgs("ordering", "m-1", "orders.place", "k", "PlaceOrder", []byte(`{}`), []byte(`null`), t0, "unknown order", parkedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM parked_messages").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"consumer", "message_id", "topic", "msg_key", "msg_type", "payload", "headers", "created_at", "reason", "parked_at"}).
			AddRow("ordering", "m-1", "orders.place", "k", "PlaceOrder", []byte(`{}`), []byte(`{"traceparent":"x"}`), t0, "unknown order", parkedAt))
	mock.ExpectClose()

	store := NewInboxStore(db)
	if err := store.Park(context.Background(), "ordering", msg, "unknown order", parkedAt); err != nil {
		t.Fatalf("Park: %v", err)
	}
	parked, err := store.ListParkedMessages(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListParkedMessages: %v", err)
	}
	if len(parked) != 1 || parked[0].Consumer != "ordering" || parked[0].Message.Headers["traceparent"] != "x" {
		t.Fatalf("unexpected parked messages: %+v", parked)
	}
}

func TestRequestStore_Reserve(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	req := idempotency.ClientRequest{
		ID:        idempotency.RequestUUID("POST:/api/checkout:r-1"),
		Name:      "POST:/api/checkout:r-1",
		Time:      t0,
		ExpiresAt: t0.Add(time.Hour),
	}
	mock.ExpectExec("INSERT INTO client_requests").
		WithArgs(req.ID.String(), req.Name, t0, t0.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO client_requests").
		WithArgs(req.ID.String(), req.Name, t0, t0.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM client_requests").
		WithArgs(t0.Add(2 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewRequestStore(db)
	ok, err := store.Reserve(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	ok, err = store.Reserve(context.Background(), req)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if ok {
		t.Fatalf("expected live record to reject the reservation")
	}
	purged, err := store.PurgeExpired(context.Background(), t0.Add(2*time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("PurgeExpired: purged=%d err=%v", purged, err)
	}
}
