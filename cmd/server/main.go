package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fulfillment/cmd/server/config"
	opsgrpc "fulfillment/internal/adapters/grpc"
	"fulfillment/internal/app"
	"fulfillment/internal/httpx"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/outbox"
	"fulfillment/internal/projection"
	"fulfillment/internal/realtime"
	"fulfillment/internal/reliability"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.SetupTracing(ctx, "fulfillment")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()
	tracer := otel.Tracer("fulfillment")
	metrics := observability.NewMetrics()
	obsSrv, err := metricsServer(metrics)
	if err != nil {
		return err
	}

	st, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Printf("close storage: %v", err)
		}
	}()

	mb, err := buildBus(ctx, cfg, metrics, log.Printf)
	if err != nil {
		return err
	}
	defer func() {
		if err := mb.close(); err != nil {
			log.Printf("close bus: %v", err)
		}
	}()

	checks := map[string]opsgrpc.Check{
		opsgrpc.ServiceStorage: st.check,
		opsgrpc.ServiceBus:     mb.check,
	}

	var (
		redisClient *redis.Client
		redisStore  idempotency.Store
		cache       orders.SummaryCache
	)
	if needsRedis(cfg) {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			return err
		}
		if redisClient, err = buildRedis(ctx, redisCfg); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("close redis: %v", err)
			}
		}()
		redisStore = idempotency.NewRedisStore(redisClient)
		cache = orders.NewRedisSummaryCache(redisClient, redisCfg.SummaryTTL)
	}

	reqStore, purger, err := pickRequestStore(cfg, st, redisStore)
	if err != nil {
		return err
	}
	if cfg.IdempotencyStore == config.DriverRedis {
		checks[opsgrpc.ServiceIdempotent] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	guard := idempotency.NewGuard(reqStore,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithMetrics(metrics),
	)

	queries := orders.NewQueryService(st.stores.Summaries, cache, log.Printf)
	hub := realtime.NewHub(256, metrics, log.Printf)

	retry, err := consumerRetry()
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	svc, err := app.New(app.Config{
		Stores:         st.stores,
		Publisher:      mb.pub,
		Subscriber:     mb.sub,
		Retry:          retry,
		HandlerTimeout: cfg.HandlerTimeout,
		Concurrency:    cfg.Concurrency,
		Relay: outbox.RelayConfig{
			Owner:        fmt.Sprintf("%s-%d", host, os.Getpid()),
			BatchSize:    cfg.RelayBatchSize,
			PollInterval: cfg.RelayPoll,
			LeaseFor:     cfg.RelayLease,
			Backoff: reliability.RetryPolicy{
				MaxAttempts: cfg.RelayMaxAttempts,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    time.Minute,
			},
		},
		Projection: projection.Config{
			Name:         "order_summaries",
			BatchSize:    cfg.ProjectionBatchSize,
			Workers:      cfg.ProjectionWorkers,
			CacheSize:    cfg.ProjectionCacheSize,
			PollInterval: cfg.ProjectionPoll,
			Notifier:     projection.Notifiers{queries, hub},
		},
		Tracer:  tracer,
		Metrics: metrics,
		Logf:    log.Printf,
	})
	if err != nil {
		return err
	}

	router := httpx.NewRouter(httpx.Config{
		Commands: svc.Checkout,
		Queries:  queries,
		Guard:    guard,
		Feed:     hub,
		Metrics:  metrics,
		Timeout:  cfg.HandlerTimeout,
		Logf:     log.Printf,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	ops := opsgrpc.NewOpsServer(opsgrpc.OpsConfig{
		Reflection: !cfg.Production(),
		Options: []grpcpkg.ServerOption{
			grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics)),
			grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics)),
		},
		Checks: checks,
		Logf:   log.Printf,
	})
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return ops.Serve(ctx, lis) })
	g.Go(func() error {
		log.Printf("server: http listening on %s (storage=%s bus=%s idempotency=%s)", cfg.HTTPAddr, cfg.StorageDriver, cfg.BusDriver, cfg.IdempotencyStore)
		return serveHTTP(ctx, httpSrv)
	})
	if purger != nil {
		g.Go(func() error { return purgeLoop(ctx, purger, cfg.PurgeInterval, log.Printf) })
	}
	if obsSrv != nil {
		g.Go(func() error { return serveHTTP(ctx, obsSrv) })
	}

	err = g.Wait()
	metrics.MarkShutdown(metrics.InFlight())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// metricsServer builds the standalone /metrics listener. It returns nil when
// OBS_ADDR is unset.
func metricsServer(metrics *observability.Metrics) (*http.Server, error) {
	if strings.TrimSpace(os.Getenv("OBS_ADDR")) == "" {
		return nil, nil
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	return &http.Server{Addr: obsCfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, nil
}

// serveHTTP serves until ctx is done and then drains in-flight requests.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// purgeLoop drops expired idempotency reservations on an interval.
func purgeLoop(ctx context.Context, store requestStore, every time.Duration, logf func(string, ...any)) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := store.PurgeExpired(ctx, now)
			if err != nil {
				logf("server: purge expired requests: %v", err)
				continue
			}
			if n > 0 {
				logf("server: purged %d expired requests", n)
			}
		}
	}
}
