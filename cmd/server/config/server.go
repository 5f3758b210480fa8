package config

import (
	"fmt"
	"strings"
	"time"
)

// Storage, bus and idempotency drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverKafka    = "kafka"
	DriverAMQP     = "amqp"
)

// ServerConfig selects the process wiring and tunes the background loops.
type ServerConfig struct {
	AppEnv   string
	HTTPAddr string

	StorageDriver string
	DatabaseURL   string

	BusDriver    string
	KafkaBrokers []string
	AMQPURL      string
	AMQPExchange string

	IdempotencyStore string
	IdempotencyTTL   time.Duration
	PurgeInterval    time.Duration

	HandlerTimeout time.Duration
	Concurrency    int

	RelayBatchSize   int
	RelayPoll        time.Duration
	RelayLease       time.Duration
	RelayMaxAttempts int

	ProjectionBatchSize int
	ProjectionWorkers   int
	ProjectionCacheSize int
	ProjectionPoll      time.Duration
}

// Production reports whether APP_ENV is production.
func (c ServerConfig) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// LoadServer reads the process wiring from env. Only the settings the chosen
// drivers need are required.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		AppEnv:        stringOr("APP_ENV", ""),
		HTTPAddr:      stringOr("HTTP_ADDR", ":8080"),
		StorageDriver: strings.ToLower(stringOr("STORAGE_DRIVER", DriverPostgres)),
		BusDriver:     strings.ToLower(stringOr("BUS_DRIVER", DriverMemory)),
		AMQPExchange:  stringOr("AMQP_EXCHANGE", "fulfillment"),
	}
	var err error

	switch cfg.StorageDriver {
	case DriverPostgres:
		if cfg.DatabaseURL, err = requiredString("DATABASE_URL"); err != nil {
			return cfg, err
		}
	case DriverMemory:
	default:
		return cfg, fmt.Errorf("STORAGE_DRIVER: unknown driver %q", cfg.StorageDriver)
	}

	switch cfg.BusDriver {
	case DriverKafka:
		brokers, err := requiredString("KAFKA_BROKERS")
		if err != nil {
			return cfg, err
		}
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	case DriverAMQP:
		if cfg.AMQPURL, err = requiredString("AMQP_URL"); err != nil {
			return cfg, err
		}
	case DriverMemory:
		if cfg.Production() {
			return cfg, fmt.Errorf("BUS_DRIVER=memory is not allowed in production")
		}
	default:
		return cfg, fmt.Errorf("BUS_DRIVER: unknown driver %q", cfg.BusDriver)
	}

	cfg.IdempotencyStore = strings.ToLower(stringOr("IDEMPOTENCY_STORE", cfg.StorageDriver))
	switch cfg.IdempotencyStore {
	case DriverRedis, DriverMemory:
	case DriverPostgres:
		if cfg.StorageDriver != DriverPostgres {
			return cfg, fmt.Errorf("IDEMPOTENCY_STORE=postgres requires STORAGE_DRIVER=postgres")
		}
	default:
		return cfg, fmt.Errorf("IDEMPOTENCY_STORE: unknown store %q", cfg.IdempotencyStore)
	}

	if cfg.IdempotencyTTL, err = orDefault("IDEMPOTENCY_TTL", time.Hour, nonNegativeDuration); err != nil {
		return cfg, err
	}
	if cfg.PurgeInterval, err = orDefault("IDEMPOTENCY_PURGE_INTERVAL", 10*time.Minute, nonNegativeDuration); err != nil {
		return cfg, err
	}
	if cfg.HandlerTimeout, err = orDefault("HANDLER_TIMEOUT", 10*time.Second, nonNegativeDuration); err != nil {
		return cfg, err
	}
	if cfg.Concurrency, err = orDefault("CONSUMER_CONCURRENCY", 8, nonNegativeInt); err != nil {
		return cfg, err
	}
	if cfg.RelayBatchSize, err = orDefault("RELAY_BATCH_SIZE", 100, nonNegativeInt); err != nil {
		return cfg, err
	}
	if cfg.RelayPoll, err = orDefault("RELAY_POLL_INTERVAL", 500*time.Millisecond, nonNegativeDuration); err != nil {
		return cfg, err
	}
	if cfg.RelayLease, err = orDefault("RELAY_LEASE", 30*time.Second, nonNegativeDuration); err != nil {
		return cfg, err
	}
	if cfg.RelayMaxAttempts, err = orDefault("RELAY_MAX_ATTEMPTS", 10, nonNegativeInt); err != nil {
		return cfg, err
	}
	if cfg.ProjectionBatchSize, err = orDefault("PROJECTION_BATCH_SIZE", 500, nonNegativeInt); err != nil {
		return cfg, err
	}
	if cfg.ProjectionWorkers, err = orDefault("PROJECTION_WORKERS", 4, nonNegativeInt); err != nil {
		return cfg, err
	}
	if cfg.ProjectionCacheSize, err = orDefault("PROJECTION_CACHE_SIZE", 10000, nonNegativeInt); err != nil {
		return cfg, err
	}
	if cfg.ProjectionPoll, err = orDefault("PROJECTION_POLL_INTERVAL", 500*time.Millisecond, nonNegativeDuration); err != nil {
		return cfg, err
	}
	return cfg, nil
}
