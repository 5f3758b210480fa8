package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/memstore"
	"fulfillment/internal/observability"
	"fulfillment/internal/outbox"
	"fulfillment/internal/reliability"
)

func quiet(string, ...any) {}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder is a publisher whose failures are scripted per message id.
type recorder struct {
	mu        sync.Mutex
	published []bus.Message
	failures  map[string]int
	permanent map[string]bool
}

func newRecorder() *recorder {
	return &recorder{failures: make(map[string]int), permanent: make(map[string]bool)}
}

func (r *recorder) Publish(_ context.Context, msg bus.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.permanent[msg.ID] {
		return reliability.Permanent(errors.New("rejected by broker"))
	}
	if r.failures[msg.ID] > 0 {
		r.failures[msg.ID]--
		return errors.New("broker unavailable")
	}
	r.published = append(r.published, msg)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.published))
	for _, m := range r.published {
		out = append(out, m.ID)
	}
	return out
}

type fixture struct {
	store   *memstore.Store
	sender  *outbox.Sender
	pub     *recorder
	clock   *fakeClock
	metrics *observability.Metrics
}

func newFixture() *fixture {
	store := memstore.New()
	pub := newRecorder()
	return &fixture{
		store:   store,
		sender:  outbox.NewSender(store.Outbox(), pub),
		pub:     pub,
		clock:   &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		metrics: observability.NewMetrics(),
	}
}

func (f *fixture) relay(owner string, maxAttempts int) *outbox.Relay {
	return f.sender.NewRelay(outbox.RelayConfig{
		Owner:     owner,
		BatchSize: 10,
		LeaseFor:  30 * time.Second,
		Backoff: reliability.RetryPolicy{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			Jitter:      func(d time.Duration) time.Duration { return d },
		},
		Metrics: f.metrics,
		Logf:    quiet,
		Now:     f.clock.Now,
	})
}

func (f *fixture) enqueue(t *testing.T, msgs ...bus.Message) {
	t.Helper()
	err := f.store.WithinTx(context.Background(), func(ctx context.Context) error {
		for _, m := range msgs {
			m.CreatedAt = f.clock.Now()
			if err := f.sender.Publish(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSenderDoesNotTouchBroker(t *testing.T) {
	f := newFixture()
	f.enqueue(t, bus.Message{ID: "m1", Topic: "t", Key: "o1"})
	if len(f.pub.ids()) != 0 {
		t.Fatalf("publish reached the broker before the relay ran")
	}
	if n, _ := f.store.Outbox().Pending(context.Background()); n != 1 {
		t.Fatalf("expected one pending row, got %d", n)
	}
}

func TestSenderEnqueueRollsBackWithTransaction(t *testing.T) {
	f := newFixture()
	err := f.store.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := f.sender.Publish(ctx, bus.Message{ID: "m1", Topic: "t", Key: "o1", CreatedAt: f.clock.Now()}); err != nil {
			return err
		}
		return errors.New("state change failed")
	})
	if err == nil {
		t.Fatalf("expected transaction error")
	}
	if n, _ := f.store.Outbox().Pending(context.Background()); n != 0 {
		t.Fatalf("message survived rollback")
	}
}

func TestRelayDeliversInCreationOrder(t *testing.T) {
	f := newFixture()
	f.enqueue(t,
		bus.Message{ID: "m1", Topic: "t", Key: "o1"},
		bus.Message{ID: "m2", Topic: "t", Key: "o2"},
		bus.Message{ID: "m3", Topic: "t", Key: "o1"},
	)
	n, err := f.relay("r1", 5).RunOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("run once: n=%d err=%v", n, err)
	}
	if got := f.pub.ids(); !equalIDs(got, "m1", "m2", "m3") {
		t.Fatalf("unexpected delivery order %v", got)
	}
	if n, _ := f.store.Outbox().Pending(context.Background()); n != 0 {
		t.Fatalf("expected nothing pending, got %d", n)
	}
	if got := f.metrics.Snapshot().Counters["outbox/delivered"]; got != 3 {
		t.Fatalf("expected 3 delivered, got %d", got)
	}
}

func TestRelayBlocksKeyAfterFailureAndRetriesWithBackoff(t *testing.T) {
	f := newFixture()
	f.pub.failures["m1"] = 1
	f.enqueue(t,
		bus.Message{ID: "m1", Topic: "t", Key: "o1"},
		bus.Message{ID: "m2", Topic: "t", Key: "o1"},
		bus.Message{ID: "m3", Topic: "t", Key: "o2"},
	)
	relay := f.relay("r1", 5)
	ctx := context.Background()

	if _, err := relay.RunOnce(ctx); err == nil {
		t.Fatalf("expected the failed publish to be reported")
	}
	if got := f.pub.ids(); !equalIDs(got, "m3") {
		t.Fatalf("only the other key may pass, got %v", got)
	}

	// Backoff has not elapsed: o1 stays blocked behind m1.
	if n, _ := relay.RunOnce(ctx); n != 0 {
		t.Fatalf("leased %d rows before backoff elapsed", n)
	}

	f.clock.Advance(2 * time.Second)
	if _, err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := f.pub.ids(); !equalIDs(got, "m3", "m1", "m2") {
		t.Fatalf("unexpected order after retry %v", got)
	}
}

func TestRelayParksAfterMaxAttempts(t *testing.T) {
	f := newFixture()
	f.pub.failures["m1"] = 10
	f.enqueue(t, bus.Message{ID: "m1", Topic: "t", Key: "o1"})
	relay := f.relay("r1", 2)
	ctx := context.Background()

	relay.RunOnce(ctx)
	f.clock.Advance(time.Minute)
	relay.RunOnce(ctx)

	parked, err := f.store.Outbox().ListParked(ctx, 10)
	if err != nil || len(parked) != 1 {
		t.Fatalf("expected one parked row, got %d err=%v", len(parked), err)
	}
	if parked[0].Attempts != 2 || parked[0].LastError == "" {
		t.Fatalf("unexpected parked row: %+v", parked[0])
	}

	// Requeue puts it back in line.
	f.pub.failures["m1"] = 0
	if err := f.store.Outbox().Requeue(ctx, "m1", f.clock.Now()); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("deliver after requeue: %v", err)
	}
	if got := f.pub.ids(); !equalIDs(got, "m1") {
		t.Fatalf("expected requeued delivery, got %v", got)
	}
}

func TestRelayParksPermanentFailureImmediately(t *testing.T) {
	f := newFixture()
	f.pub.permanent["m1"] = true
	f.enqueue(t, bus.Message{ID: "m1", Topic: "t", Key: "o1"})

	f.relay("r1", 5).RunOnce(context.Background())
	parked, _ := f.store.Outbox().ListParked(context.Background(), 10)
	if len(parked) != 1 || parked[0].Attempts != 1 {
		t.Fatalf("expected immediate park, got %+v", parked)
	}
}

// leaseOnly stops after leasing, standing in for a relay that crashed
// mid-batch.
type leaseOnly struct{ outbox.Store }

func TestExpiredLeaseIsTakenOverByAnotherRelay(t *testing.T) {
	f := newFixture()
	f.enqueue(t, bus.Message{ID: "m1", Topic: "t", Key: "o1"})
	ctx := context.Background()
	now := f.clock.Now()

	crashed := leaseOnly{f.store.Outbox()}
	if recs, _ := crashed.Lease(ctx, "r1", now, now.Add(30*time.Second), 10); len(recs) != 1 {
		t.Fatalf("expected crashed relay to hold the row")
	}
	second := f.relay("r2", 5)
	if n, _ := second.RunOnce(ctx); n != 0 {
		t.Fatalf("row leased twice while the lease is live")
	}

	f.clock.Advance(31 * time.Second)
	if _, err := second.RunOnce(ctx); err != nil {
		t.Fatalf("take over: %v", err)
	}
	if got := f.pub.ids(); !equalIDs(got, "m1") {
		t.Fatalf("expected redelivery by the second relay, got %v", got)
	}
	if err := crashed.MarkDelivered(ctx, "m1", "r1", now); err == nil {
		t.Fatalf("stale owner must not update the row")
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	f := newFixture()
	f.enqueue(t, bus.Message{ID: "m1", Topic: "t", Key: "o1"})
	relay := f.sender.NewRelay(outbox.RelayConfig{PollInterval: 5 * time.Millisecond, Logf: quiet})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(f.pub.ids()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("relay never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}
