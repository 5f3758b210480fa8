package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/contracts"
	"fulfillment/internal/memstore"
	"fulfillment/internal/orders"
	"fulfillment/internal/outbox"
	"fulfillment/internal/projection"
	"fulfillment/internal/reliability"
	"fulfillment/internal/saga"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	orderO1  = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	basketB1 = uuid.MustParse("00000000-0000-4000-8000-0000000000b1")
)

func quiet(string, ...any) {}

// recordingBus counts what the relay delivers.
type recordingBus struct {
	*bus.MemoryBus
	mu    sync.Mutex
	types map[string]int
}

func (r *recordingBus) Publish(ctx context.Context, msg bus.Message) error {
	if err := r.MemoryBus.Publish(ctx, msg); err != nil {
		return err
	}
	r.mu.Lock()
	r.types[msg.Type]++
	r.mu.Unlock()
	return nil
}

func (r *recordingBus) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.types[msgType]
}

type world struct {
	store *memstore.Store
	bus   *recordingBus
	app   *App
}

func start(t *testing.T, basket func(ctx context.Context, b *bus.MemoryBus, cmd contracts.PlaceOrder) error) *world {
	t.Helper()
	store := memstore.New()
	b := &recordingBus{MemoryBus: bus.NewMemoryBus(64, quiet), types: make(map[string]int)}
	a, err := New(Config{
		Stores: Stores{
			Tx:        store,
			Sagas:     store.Sagas(),
			Outbox:    store.Outbox(),
			Inbox:     store,
			Parked:    store,
			Events:    store.Events(),
			Summaries: store.Summaries(),
		},
		Publisher:  b,
		Subscriber: b,
		Retry: reliability.RetryPolicy{
			MaxAttempts: 10,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
		},
		HandlerTimeout: time.Second,
		Concurrency:    4,
		Relay:          outbox.RelayConfig{PollInterval: 5 * time.Millisecond},
		Projection:     projection.Config{PollInterval: 5 * time.Millisecond},
		Logf:           quiet,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	go b.Subscribe(ctx, bus.Subscription{Consumer: "basket", Topics: []string{contracts.TopicPlaceOrder}},
		func(ctx context.Context, msg bus.Message) error {
			p, err := contracts.Decode(msg)
			if err != nil {
				return err
			}
			return basket(ctx, b.MemoryBus, p.(contracts.PlaceOrder))
		})
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// The basket and ordering consumers both listen to place-order; neither
	// may miss it.
	eventually(t, "subscriptions", func() bool {
		return b.Subscribers(contracts.TopicPlaceOrder) == 2 &&
			b.Subscribers(contracts.TopicUserCheckedOut) == 1
	})
	return &world{store: store, bus: b, app: a}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (w *world) summaryStatus(id uuid.UUID) string {
	s, found, err := w.store.Summaries().GetSummary(context.Background(), id)
	if err != nil || !found {
		return ""
	}
	return s.Status
}

func checkoutO1(t *testing.T, w *world) {
	t.Helper()
	_, err := w.app.Checkout.Checkout(context.Background(), orders.CheckoutRequest{
		OrderID:    orderO1,
		BasketID:   basketB1,
		Email:      "a@b.com",
		TotalMoney: decimal.RequireFromString("42.00"),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
}

func TestCheckoutCompletesOnceDespiteDuplicateBasketEvent(t *testing.T) {
	w := start(t, func(ctx context.Context, b *bus.MemoryBus, cmd contracts.PlaceOrder) error {
		msg, err := contracts.NewMessage(contracts.BasketDeletedComplete{
			OrderID:    cmd.OrderID,
			BasketID:   cmd.BasketID,
			TotalMoney: cmd.TotalMoney,
		}, time.Now())
		if err != nil {
			return err
		}
		// At-least-once delivery: the same message arrives twice.
		if err := b.Publish(ctx, msg); err != nil {
			return err
		}
		return b.Publish(ctx, msg)
	})
	checkoutO1(t, w)

	eventually(t, "completed summary", func() bool { return w.summaryStatus(orderO1) == contracts.StatusCompleted })

	st, found, err := w.store.Sagas().Load(context.Background(), orderO1)
	if err != nil || !found {
		t.Fatalf("load saga: found=%v err=%v", found, err)
	}
	if st.State != saga.StateCompleted || st.Version != 2 {
		t.Fatalf("unexpected saga: %+v", st)
	}
	if st.BasketID != basketB1 || st.Email != "a@b.com" || !st.TotalMoney.Equal(decimal.RequireFromString("42")) {
		t.Fatalf("saga lost checkout data: %+v", st)
	}
	eventually(t, "completion notice", func() bool { return w.bus.count(contracts.TypeStatusChangedToComplete) == 1 })
	if n := w.bus.count(contracts.TypeCompleteOrder); n != 1 {
		t.Fatalf("expected one CompleteOrder, got %d", n)
	}

	v, err := w.app.Projection.Verify(context.Background(), orderO1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Match {
		t.Fatalf("stored summary differs from replay: %+v", v)
	}
}

func TestCheckoutCancelledWhenBasketDeletionFails(t *testing.T) {
	w := start(t, func(ctx context.Context, b *bus.MemoryBus, cmd contracts.PlaceOrder) error {
		msg, err := contracts.NewMessage(contracts.BasketDeletedFailed{
			OrderID:    cmd.OrderID,
			BasketID:   cmd.BasketID,
			Email:      cmd.Email,
			TotalMoney: cmd.TotalMoney,
		}, time.Now())
		if err != nil {
			return err
		}
		return b.Publish(ctx, msg)
	})
	checkoutO1(t, w)

	eventually(t, "cancelled summary", func() bool { return w.summaryStatus(orderO1) == contracts.StatusCancelled })
	eventually(t, "cancellation notice", func() bool { return w.bus.count(contracts.TypeStatusChangedToCancel) == 1 })

	st, _, _ := w.store.Sagas().Load(context.Background(), orderO1)
	if st.State != saga.StateCancelled {
		t.Fatalf("unexpected saga state %s", st.State)
	}
}

func TestUnknownOrderIsParkedWithoutReport(t *testing.T) {
	w := start(t, func(context.Context, *bus.MemoryBus, contracts.PlaceOrder) error { return nil })
	stranger := uuid.New()
	msg, err := contracts.NewMessage(contracts.BasketDeletedComplete{OrderID: stranger}, time.Now())
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := w.bus.MemoryBus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	eventually(t, "parked message", func() bool {
		parked, _ := w.store.ListParkedMessages(context.Background(), 0)
		return len(parked) == 1
	})
	parked, _ := w.store.ListParkedMessages(context.Background(), 0)
	if parked[0].Consumer != ConsumerSaga || parked[0].Message.ID != msg.ID {
		t.Fatalf("unexpected parked message: %+v", parked[0])
	}
	if _, found, _ := w.store.Sagas().Load(context.Background(), stranger); found {
		t.Fatalf("unknown order must not create a saga")
	}
	if n := w.bus.count(contracts.TypeOrderProcessingFailed); n != 0 {
		t.Fatalf("logic errors must not report processing failures, got %d", n)
	}
}
