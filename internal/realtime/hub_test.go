package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/projection"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func TestHub_BroadcastsSummaryChanges(t *testing.T) {
	t.Parallel()

	hub := NewHub(8, nil, t.Logf)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(hub)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	id := uuid.New()
	hub.SummaryChanged(projection.OrderSummary{ID: id, Status: "completed", LastSeq: 7})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var got Update
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if got.Type != "order.summary" || got.Summary.ID != id || got.Summary.Status != "completed" {
		t.Fatalf("unexpected update: %+v", got)
	}
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics()
	hub := NewHub(1, metrics, t.Logf)

	hub.SummaryChanged(projection.OrderSummary{ID: uuid.New()})
	hub.SummaryChanged(projection.OrderSummary{ID: uuid.New()})

	if got := metrics.Snapshot().Counters["realtime/dropped"]; got != 1 {
		t.Fatalf("expected one dropped frame, got %d", got)
	}
}

func TestHub_RunClosesClientsOnCancel(t *testing.T) {
	t.Parallel()

	hub := NewHub(1, nil, t.Logf)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
	if hub.Clients() != 0 {
		t.Fatalf("expected no clients after stop")
	}
}
