package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fulfillment/cmd/server/config"
	opsgrpc "fulfillment/internal/adapters/grpc"
	"fulfillment/internal/app"
	"fulfillment/internal/bus"
	ordersdb "fulfillment/internal/db/orders"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/memstore"
	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"
)

// requestStore is an idempotency store that also forgets expired ids.
type requestStore interface {
	idempotency.Store
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type storage struct {
	stores   app.Stores
	requests requestStore
	check    opsgrpc.Check
	close    func() error
}

// buildStorage opens the configured driver. The memory driver keeps every
// table in one process and loses it on restart.
func buildStorage(ctx context.Context, cfg config.ServerConfig) (storage, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pg, err := ordersdb.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return storage{}, err
		}
		return storage{
			stores: app.Stores{
				Tx:        pg.Tx,
				Sagas:     pg.Sagas,
				Outbox:    pg.Outbox,
				Inbox:     pg.Inbox,
				Parked:    pg.Inbox,
				Events:    pg.Events,
				Summaries: pg.Summaries,
			},
			requests: pg.Requests,
			check:    pg.DB.PingContext,
			close:    pg.Close,
		}, nil
	case config.DriverMemory:
		mem := memstore.New()
		return storage{
			stores: app.Stores{
				Tx:        mem,
				Sagas:     mem.Sagas(),
				Outbox:    mem.Outbox(),
				Inbox:     mem,
				Parked:    mem,
				Events:    mem.Events(),
				Summaries: mem.Summaries(),
			},
			requests: mem,
			check:    func(context.Context) error { return nil },
			close:    func() error { return nil },
		}, nil
	default:
		return storage{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

type messageBus struct {
	pub   bus.Publisher
	sub   bus.Subscriber
	check opsgrpc.Check
	close func() error
}

// buildBus connects the configured broker. When PUBLISH_RETRY_MAX_ATTEMPTS is
// set, publishes also go through a retry, breaker and limiter guard.
func buildBus(ctx context.Context, cfg config.ServerConfig, metrics *observability.Metrics, logf func(string, ...any)) (messageBus, error) {
	var mb messageBus
	switch cfg.BusDriver {
	case config.DriverMemory:
		mem := bus.NewMemoryBus(256, logf)
		mb = messageBus{pub: mem, sub: mem, check: mem.Check, close: mem.Close}
	case config.DriverKafka:
		pub := bus.NewKafkaPublisher(cfg.KafkaBrokers)
		mb = messageBus{pub: pub, sub: bus.NewKafkaSubscriber(cfg.KafkaBrokers, logf), check: pub.Check, close: pub.Close}
	case config.DriverAMQP:
		amqpBus, err := bus.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, 15, logf)
		if err != nil {
			return messageBus{}, err
		}
		mb = messageBus{pub: amqpBus, sub: amqpBus, check: amqpBus.Check, close: amqpBus.Close}
	default:
		return messageBus{}, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}

	if strings.TrimSpace(os.Getenv("PUBLISH_RETRY_MAX_ATTEMPTS")) != "" {
		relCfg, err := reliability.LoadConfigFromEnv("PUBLISH")
		if err != nil {
			_ = mb.close()
			return messageBus{}, err
		}
		mb.pub = bus.NewReliablePublisher(mb.pub, relCfg.Guard(metrics.AddRateLimitWait), metrics)
	}
	return mb, nil
}

// consumerRetry reads CONSUMER_* reliability settings when present.
func consumerRetry() (reliability.RetryPolicy, error) {
	if strings.TrimSpace(os.Getenv("CONSUMER_RETRY_MAX_ATTEMPTS")) == "" {
		return reliability.RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}, nil
	}
	relCfg, err := reliability.LoadConfigFromEnv("CONSUMER")
	if err != nil {
		return reliability.RetryPolicy{}, err
	}
	return relCfg.Policy(), nil
}

// needsRedis reports whether the process should connect to Redis: either the
// idempotency store lives there or a summary cache was configured.
func needsRedis(cfg config.ServerConfig) bool {
	return cfg.IdempotencyStore == config.DriverRedis || strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// pickRequestStore resolves IDEMPOTENCY_STORE. A memory store next to a
// Postgres driver is a separate table set.
func pickRequestStore(cfg config.ServerConfig, st storage, redisStore idempotency.Store) (idempotency.Store, requestStore, error) {
	switch cfg.IdempotencyStore {
	case config.DriverRedis:
		if redisStore == nil {
			return nil, nil, errors.New("IDEMPOTENCY_STORE=redis requires REDIS_URL")
		}
		return redisStore, nil, nil
	case config.DriverMemory:
		if cfg.StorageDriver == config.DriverMemory {
			return st.requests, st.requests, nil
		}
		mem := memstore.New()
		return mem, mem, nil
	default:
		return st.requests, st.requests, nil
	}
}
