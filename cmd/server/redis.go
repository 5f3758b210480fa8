package main

import (
	"context"

	"fulfillment/cmd/server/config"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// buildRedis connects the client shared by the idempotency store and the
// summary cache, and pings it once.
func buildRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
