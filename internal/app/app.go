// Package app assembles the fulfillment runtime: the saga orchestrator, the
// ordering command handlers, the outbox relay and the projection engine, all
// on top of one set of stores and one message bus.
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"fulfillment/internal/bus"
	"fulfillment/internal/eventlog"
	"fulfillment/internal/inbox"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/outbox"
	"fulfillment/internal/projection"
	"fulfillment/internal/reliability"
	"fulfillment/internal/saga"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Consumer names. They scope inbox claims and parked messages.
const (
	ConsumerSaga     = "saga"
	ConsumerOrdering = "ordering"
)

// Transactor runs fn in one atomic unit of work carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Stores is one storage driver: every store joins transactions started by Tx.
type Stores struct {
	Tx        Transactor
	Sagas     saga.Store
	Outbox    outbox.Store
	Inbox     inbox.Store
	Parked    saga.ParkedStore
	Events    eventlog.Store
	Summaries projection.Store
}

func (s Stores) validate() error {
	if s.Tx == nil || s.Sagas == nil || s.Outbox == nil || s.Inbox == nil ||
		s.Parked == nil || s.Events == nil || s.Summaries == nil {
		return errors.New("app: incomplete stores")
	}
	return nil
}

// Config wires an App.
type Config struct {
	Stores     Stores
	Publisher  bus.Publisher
	Subscriber bus.Subscriber

	// Retry and HandlerTimeout apply to every consumer attempt.
	Retry          reliability.RetryPolicy
	HandlerTimeout time.Duration
	Concurrency    int

	Relay      outbox.RelayConfig
	Projection projection.Config

	Tracer  trace.Tracer
	Metrics *observability.Metrics
	Logf    func(format string, args ...any)
	Now     func() time.Time
}

// Consumer is one subscription with its fully decorated handler.
type Consumer struct {
	Subscription bus.Subscription
	Handler      bus.Handler
}

// App holds the assembled services.
type App struct {
	Sender       *outbox.Sender
	Orchestrator *saga.Orchestrator
	Checkout     *orders.CheckoutService
	Ordering     *orders.OrderingHandler
	Relay        *outbox.Relay
	Projection   *projection.Engine
	Consumers    []Consumer

	subscriber bus.Subscriber
	logf       func(format string, args ...any)
}

// New builds the runtime. Nothing runs until Run is called.
func New(cfg Config) (*App, error) {
	if err := cfg.Stores.validate(); err != nil {
		return nil, err
	}
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, errors.New("app: publisher and subscriber are required")
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("fulfillment")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	st := cfg.Stores

	sender := outbox.NewSender(st.Outbox, cfg.Publisher)

	orch := saga.NewOrchestrator(saga.Config{
		Store:  st.Sagas,
		Tx:     st.Tx,
		Sender: sender,
		Tracer: cfg.Tracer,
		Logf:   cfg.Logf,
		Now:    cfg.Now,
	})
	ordersCfg := orders.Config{
		Events: st.Events,
		Tx:     st.Tx,
		Sender: sender,
		Tracer: cfg.Tracer,
		Logf:   cfg.Logf,
		Now:    cfg.Now,
	}
	ordering := orders.NewOrderingHandler(ordersCfg)

	relayCfg := cfg.Relay
	if relayCfg.Tracer == nil {
		relayCfg.Tracer = cfg.Tracer
	}
	if relayCfg.Metrics == nil {
		relayCfg.Metrics = cfg.Metrics
	}
	if relayCfg.Logf == nil {
		relayCfg.Logf = cfg.Logf
	}
	if relayCfg.Now == nil {
		relayCfg.Now = cfg.Now
	}

	projCfg := cfg.Projection
	if projCfg.Metrics == nil {
		projCfg.Metrics = cfg.Metrics
	}
	if projCfg.Logf == nil {
		projCfg.Logf = cfg.Logf
	}
	engine, err := projection.NewEngine(st.Events, st.Summaries, st.Tx, projCfg)
	if err != nil {
		return nil, err
	}

	dispatcher := bus.NewDispatcher(bus.DispatcherConfig{
		Retry:   cfg.Retry,
		Timeout: cfg.HandlerTimeout,
		Park:    saga.FailureReporter(st.Tx, st.Parked, sender, cfg.Now, cfg.Logf),
		Tracer:  cfg.Tracer,
		Metrics: cfg.Metrics,
		Logf:    cfg.Logf,
	})
	guarded := func(consumer string, h bus.Handler) bus.Handler {
		return dispatcher.Wrap(consumer, inbox.Guard(inbox.Config{
			Consumer: consumer,
			Store:    st.Inbox,
			Tx:       st.Tx,
			Metrics:  cfg.Metrics,
			Logf:     cfg.Logf,
			Now:      cfg.Now,
		}, h))
	}

	return &App{
		Sender:       sender,
		Orchestrator: orch,
		Checkout:     orders.NewCheckoutService(ordersCfg),
		Ordering:     ordering,
		Relay:        sender.NewRelay(relayCfg),
		Projection:   engine,
		Consumers: []Consumer{
			{
				Subscription: bus.Subscription{Consumer: ConsumerSaga, Topics: saga.Topics, Concurrency: cfg.Concurrency},
				Handler:      guarded(ConsumerSaga, orch.Handle),
			},
			{
				Subscription: bus.Subscription{Consumer: ConsumerOrdering, Topics: orders.OrderingTopics, Concurrency: cfg.Concurrency},
				Handler:      guarded(ConsumerOrdering, ordering.Handle),
			},
		},
		subscriber: cfg.Subscriber,
		logf:       cfg.Logf,
	}, nil
}

// Run starts the relay, the projection engine and every consumer, and
// returns when ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Relay.Run(ctx) })
	g.Go(func() error { return a.Projection.Run(ctx) })
	for _, c := range a.Consumers {
		g.Go(func() error {
			a.logf("app: consumer=%s topics=%v concurrency=%d", c.Subscription.Consumer, c.Subscription.Topics, c.Subscription.Concurrency)
			return a.subscriber.Subscribe(ctx, c.Subscription, c.Handler)
		})
	}
	return g.Wait()
}
