package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"

	"github.com/segmentio/kafka-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func noSleepPolicy(attempts int) reliability.RetryPolicy {
	return reliability.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func quietLogf(string, ...any) {}

func TestMemoryBusDeliversBacklogToLateSubscriber(t *testing.T) {
	b := NewMemoryBus(8, quietLogf)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Publish(ctx, Message{ID: "m1", Topic: "orders", Key: "o1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan string, 1)
	go b.Subscribe(ctx, Subscription{Consumer: "c", Topics: []string{"orders"}}, func(_ context.Context, msg Message) error {
		got <- msg.ID
		return nil
	})

	select {
	case id := <-got:
		if id != "m1" {
			t.Fatalf("expected m1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backlog message not delivered")
	}
}

func TestMemoryBusKeepsPerKeyOrder(t *testing.T) {
	b := NewMemoryBus(256, quietLogf)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string][]int)
	var wg sync.WaitGroup
	wg.Add(100)

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = b.Subscribe(ctx, Subscription{Consumer: "c", Topics: []string{"t"}, Concurrency: 4}, func(_ context.Context, msg Message) error {
			defer wg.Done()
			var n int
			fmt.Sscanf(msg.ID, "%d", &n)
			mu.Lock()
			seen[msg.Key] = append(seen[msg.Key], n)
			mu.Unlock()
			return nil
		})
	}()
	<-ready

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("order-%d", i%5)
		if err := b.Publish(ctx, Message{ID: fmt.Sprintf("%d", i), Topic: "t", Key: key}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for key, ids := range seen {
		for i := 1; i < len(ids); i++ {
			if ids[i] < ids[i-1] {
				t.Fatalf("key %s out of order: %v", key, ids)
			}
		}
	}
}

func TestMemoryBusRejectsPublishAfterClose(t *testing.T) {
	b := NewMemoryBus(1, quietLogf)
	_ = b.Close()
	if err := b.Publish(context.Background(), Message{Topic: "t"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	metrics := observability.NewMetrics()
	d := NewDispatcher(DispatcherConfig{Retry: noSleepPolicy(3), Metrics: metrics, Logf: quietLogf})

	calls := 0
	h := d.Wrap("saga", func(context.Context, Message) error {
		calls++
		if calls < 3 {
			return errors.New("db unavailable")
		}
		return nil
	})
	if err := h(context.Background(), Message{ID: "m"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if got := metrics.Snapshot().Operations["consume/saga"].Count; got != 1 {
		t.Fatalf("expected one recorded consume, got %d", got)
	}
}

func TestDispatcherParksAfterExhaustion(t *testing.T) {
	var parked []string
	d := NewDispatcher(DispatcherConfig{
		Retry: noSleepPolicy(2),
		Logf:  quietLogf,
		Park: func(_ context.Context, consumer string, msg Message, cause error) error {
			parked = append(parked, consumer+"/"+msg.ID)
			return nil
		},
	})
	calls := 0
	h := d.Wrap("saga", func(context.Context, Message) error {
		calls++
		return errors.New("still broken")
	})
	if err := h(context.Background(), Message{ID: "m1"}); err != nil {
		t.Fatalf("expected parked message to be acknowledged, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if len(parked) != 1 || parked[0] != "saga/m1" {
		t.Fatalf("unexpected parked: %v", parked)
	}
}

func TestDispatcherParksPermanentWithoutRetry(t *testing.T) {
	parkedCause := error(nil)
	d := NewDispatcher(DispatcherConfig{
		Retry: noSleepPolicy(5),
		Logf:  quietLogf,
		Park: func(_ context.Context, _ string, _ Message, cause error) error {
			parkedCause = cause
			return nil
		},
	})
	calls := 0
	bad := errors.New("malformed payload")
	h := d.Wrap("saga", func(context.Context, Message) error {
		calls++
		return reliability.Permanent(bad)
	})
	if err := h(context.Background(), Message{ID: "m1"}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
	if !errors.Is(parkedCause, bad) {
		t.Fatalf("expected cause %v, got %v", bad, parkedCause)
	}
}

func TestDispatcherRetriesPerAttemptTimeout(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Retry: noSleepPolicy(3), Timeout: 5 * time.Millisecond, Logf: quietLogf})
	calls := 0
	h := d.Wrap("slow", func(ctx context.Context, _ Message) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if err := h(context.Background(), Message{ID: "m"}); err != nil {
		t.Fatalf("expected success after timeout, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDispatcherReturnsParkFailure(t *testing.T) {
	parkErr := errors.New("park store down")
	d := NewDispatcher(DispatcherConfig{
		Retry: noSleepPolicy(1),
		Logf:  quietLogf,
		Park:  func(context.Context, string, Message, error) error { return parkErr },
	})
	h := d.Wrap("saga", func(context.Context, Message) error { return errors.New("boom") })
	if err := h(context.Background(), Message{ID: "m"}); !errors.Is(err, parkErr) {
		t.Fatalf("expected park error surfaced, got %v", err)
	}
}

func TestTraceRoundTripThroughHeaders(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "checkout")
	msg := InjectTrace(ctx, Message{ID: "m"})
	span.End()

	if msg.Headers["traceparent"] == "" {
		t.Fatalf("expected traceparent header, got %v", msg.Headers)
	}
	remote := trace.SpanContextFromContext(ExtractTrace(context.Background(), msg))
	if remote.TraceID() != span.SpanContext().TraceID() {
		t.Fatalf("trace id mismatch: %s vs %s", remote.TraceID(), span.SpanContext().TraceID())
	}
}

func TestOffsetTrackerCommitsContiguousOnly(t *testing.T) {
	tr := newOffsetTracker()
	m := func(off int64) kafka.Message { return kafka.Message{Topic: "t", Partition: 0, Offset: off} }
	for off := int64(10); off < 13; off++ {
		tr.track(m(off))
	}

	if _, ok := tr.complete(m(11)); ok {
		t.Fatalf("offset 11 must wait for 10")
	}
	commit, ok := tr.complete(m(10))
	if !ok || commit.Offset != 11 {
		t.Fatalf("expected commit through 11, got %d ok=%v", commit.Offset, ok)
	}
	commit, ok = tr.complete(m(12))
	if !ok || commit.Offset != 12 {
		t.Fatalf("expected commit 12, got %d ok=%v", commit.Offset, ok)
	}
}

type fakeKafkaReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeKafkaReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func kafkaSubscriberWith(reader *fakeKafkaReader) *KafkaSubscriber {
	s := NewKafkaSubscriber(nil, quietLogf)
	s.newReader = func(Subscription) kafkaReader { return reader }
	return s
}

func TestKafkaSubscriberStopsOnHandlerFailure(t *testing.T) {
	reader := &fakeKafkaReader{}
	for off := int64(0); off < 3; off++ {
		reader.queue = append(reader.queue, kafka.Message{Topic: "orders", Partition: 0, Offset: off, Key: []byte("order-1")})
	}
	storeDown := errors.New("store unavailable")
	// One lane handles the key, so calls are sequential.
	calls := 0
	handler := func(context.Context, Message) error {
		calls++
		if calls >= 2 {
			return storeDown
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- kafkaSubscriberWith(reader).Subscribe(context.Background(), Subscription{Consumer: "saga", Concurrency: 1}, handler)
	}()

	select {
	case err := <-done:
		if !errors.Is(err, storeDown) {
			t.Fatalf("expected handler failure to end the subscription, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription kept running after a failed message")
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.committed) != 1 || reader.committed[0] != 0 {
		t.Fatalf("only the offset before the failure may be committed, got %v", reader.committed)
	}
	if !reader.closed {
		t.Fatalf("expected reader to be closed")
	}
}

func TestKafkaSubscriberCommitsAndStopsCleanly(t *testing.T) {
	reader := &fakeKafkaReader{queue: []kafka.Message{
		{Topic: "orders", Partition: 0, Offset: 4},
		{Topic: "orders", Partition: 0, Offset: 5},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan struct{}, 2)
	done := make(chan error, 1)
	go func() {
		done <- kafkaSubscriberWith(reader).Subscribe(ctx, Subscription{Consumer: "ordering"}, func(context.Context, Message) error {
			handled <- struct{}{}
			return nil
		})
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not handled", i)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.committed) == 0 || reader.committed[len(reader.committed)-1] != 5 {
		t.Fatalf("expected commit through offset 5, got %v", reader.committed)
	}
}

func TestKafkaMessageConversionKeepsMetadata(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	in := Message{
		ID:        "m1",
		Topic:     "ordering.place-order",
		Key:       "order-1",
		Type:      "PlaceOrder",
		Payload:   []byte(`{"orderId":"order-1"}`),
		Headers:   map[string]string{HeaderCorrelationID: "order-1", "traceparent": "tp"},
		CreatedAt: created,
	}
	out := fromKafkaMessage(toKafkaMessage(in))
	if out.ID != in.ID || out.Type != in.Type || out.Key != in.Key || out.Topic != in.Topic {
		t.Fatalf("metadata lost: %+v", out)
	}
	if !out.CreatedAt.Equal(created) {
		t.Fatalf("created at mismatch: %v", out.CreatedAt)
	}
	if out.Headers["traceparent"] != "tp" || out.CorrelationID() != "order-1" {
		t.Fatalf("headers lost: %v", out.Headers)
	}
}

type flakyPublisher struct {
	failures int
	calls    int
}

func (p *flakyPublisher) Publish(context.Context, Message) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func TestReliablePublisherRetries(t *testing.T) {
	inner := &flakyPublisher{failures: 2}
	pub := NewReliablePublisher(inner, reliability.Guard{Retry: noSleepPolicy(3)}, nil)
	if err := pub.Publish(context.Background(), Message{Topic: "t"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
}
