package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsTracksCalls(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("consume/saga")
	time.Sleep(1 * time.Millisecond)
	span.End(nil)

	span = metrics.Start("consume/saga")
	span.End(errors.New("fail"))

	snap := metrics.Snapshot()
	stats := snap.Operations["consume/saga"]
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalCalls != 2 || snap.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsCountersAndGauges(t *testing.T) {
	metrics := NewMetrics()
	metrics.Inc("parked/saga")
	metrics.Inc("parked/saga")
	metrics.Add("outbox/delivered", 5)
	metrics.Add("outbox/delivered", 0)
	metrics.SetGauge("projection/checkpoint", 10)
	metrics.SetGauge("projection/checkpoint", 12)

	snap := metrics.Snapshot()
	if snap.Counters["parked/saga"] != 2 {
		t.Fatalf("expected 2 parked, got %d", snap.Counters["parked/saga"])
	}
	if snap.Counters["outbox/delivered"] != 5 {
		t.Fatalf("expected 5 delivered, got %d", snap.Counters["outbox/delivered"])
	}
	if snap.Gauges["projection/checkpoint"] != 12 {
		t.Fatalf("expected checkpoint 12, got %d", snap.Gauges["projection/checkpoint"])
	}
}

func TestMetricsTracksRateLimitWait(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddRateLimitWait(50 * time.Millisecond)
	metrics.AddRateLimitWait(25 * time.Millisecond)
	metrics.AddRateLimitWait(0)

	snap := metrics.Snapshot()
	if snap.RateLimitWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.RateLimitWaits)
	}
	if snap.RateLimitWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.RateLimitWaitMs)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	open := metrics.Start("relay/batch")
	metrics.MarkShutdown(metrics.InFlight())
	open.End(nil)

	snap := metrics.Snapshot()
	if snap.Lifecycle == nil {
		t.Fatalf("expected lifecycle snapshot")
	}
	if snap.Lifecycle.InFlightAtShutdown != 1 {
		t.Fatalf("expected inflight 1, got %d", snap.Lifecycle.InFlightAtShutdown)
	}
	if snap.Lifecycle.ShutdownAt.IsZero() {
		t.Fatalf("expected shutdown timestamp")
	}
}

func TestHandlerReturnsJSON(t *testing.T) {
	metrics := NewMetrics()
	span := metrics.Start("POST /api/checkout")
	span.End(errors.New("fail"))
	metrics.Inc("idempotency/duplicate")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	Handler(metrics).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}
	if snap.Counters["idempotency/duplicate"] != 1 {
		t.Fatalf("expected duplicate counter in snapshot")
	}
}

func TestHandlerFiltersByPrefix(t *testing.T) {
	metrics := NewMetrics()
	metrics.Start("consume/saga").End(nil)
	metrics.Start("relay/publish").End(nil)
	metrics.Inc("parked/saga")

	rr := httptest.NewRecorder()
	Handler(metrics).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics?prefix=consume/", nil))

	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := snap.Operations["consume/saga"]; !ok || len(snap.Operations) != 1 {
		t.Fatalf("unexpected operations: %+v", snap.Operations)
	}
	if len(snap.Counters) != 0 {
		t.Fatalf("counters should be filtered: %+v", snap.Counters)
	}

	rr = httptest.NewRecorder()
	Handler(metrics).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	span := m.Start("ignored")
	span.End(nil)

	m.Inc("ignored")
	m.SetGauge("ignored", 1)
	m.MarkShutdown(10)
	if m.InFlight() != 0 {
		t.Fatalf("expected zero inflight on nil metrics")
	}
}
