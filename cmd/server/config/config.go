package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// RedisConfig holds the Redis client settings shared by the idempotency
// store and the summary cache. Nil pointers keep the go-redis defaults.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	SummaryTTL         time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the ops server address and its ingress rate limit.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the address of the standalone metrics listener.
type ObservabilityConfig struct {
	Addr string
}

// LoadRedis reads REDIS_* settings. REDIS_URL, REDIS_HEALTHCHECK_TIMEOUT and
// REDIS_SUMMARY_TTL are required.
func LoadRedis() (RedisConfig, error) {
	var (
		cfg RedisConfig
		err error
	)
	if cfg.URL, err = requiredString("REDIS_URL"); err != nil {
		return cfg, err
	}

	timeouts := []struct {
		name string
		dst  **time.Duration
	}{
		{"REDIS_DIAL_TIMEOUT", &cfg.DialTimeout},
		{"REDIS_READ_TIMEOUT", &cfg.ReadTimeout},
		{"REDIS_WRITE_TIMEOUT", &cfg.WriteTimeout},
	}
	for _, o := range timeouts {
		if *o.dst, err = optional(o.name, nonNegativeDuration); err != nil {
			return cfg, err
		}
	}
	sizes := []struct {
		name string
		dst  **int
	}{
		{"REDIS_POOL_SIZE", &cfg.PoolSize},
		{"REDIS_MIN_IDLE_CONNS", &cfg.MinIdleConns},
		{"REDIS_MAX_RETRIES", &cfg.MaxRetries},
	}
	for _, o := range sizes {
		if *o.dst, err = optional(o.name, nonNegativeInt); err != nil {
			return cfg, err
		}
	}

	if cfg.HealthcheckTimeout, err = required("REDIS_HEALTHCHECK_TIMEOUT", nonNegativeDuration); err != nil {
		return cfg, err
	}
	if cfg.SummaryTTL, err = required("REDIS_SUMMARY_TTL", nonNegativeDuration); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = orDefault("REDIS_OTEL", false, strconv.ParseBool); err != nil {
		return cfg, err
	}
	cfg.TLSConfig, err = readRedisTLS().build()
	return cfg, err
}

// LoadGRPC reads GRPC_ADDR (default :50051) and the required rate limit.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = required("GRPC_RATE_LIMIT_INTERVAL", nonNegativeDuration); err != nil {
		return GRPCConfig{}, err
	}
	if cfg.RateLimitBurst, err = required("GRPC_RATE_LIMIT_BURST", nonNegativeInt); err != nil {
		return GRPCConfig{}, err
	}
	return cfg, nil
}

// LoadObservability reads OBS_ADDR, which must be a host:port listen address.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return ObservabilityConfig{}, fmt.Errorf("OBS_ADDR: %w", err)
	}
	return ObservabilityConfig{Addr: addr}, nil
}

// redisTLS is the raw REDIS_TLS_* environment.
type redisTLS struct {
	caFile, certFile, keyFile string
	serverName, insecure      string
}

func readRedisTLS() redisTLS {
	var t redisTLS
	t.caFile, _ = lookup("REDIS_TLS_CA_FILE")
	t.certFile, _ = lookup("REDIS_TLS_CERT_FILE")
	t.keyFile, _ = lookup("REDIS_TLS_KEY_FILE")
	t.serverName, _ = lookup("REDIS_TLS_SERVER_NAME")
	t.insecure, _ = lookup("REDIS_TLS_INSECURE_SKIP_VERIFY")
	return t
}

// build returns nil when no TLS variable is set.
func (t redisTLS) build() (*tls.Config, error) {
	if t == (redisTLS{}) {
		return nil, nil
	}
	if (t.certFile == "") != (t.keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: t.serverName}
	if t.insecure != "" {
		skip, err := strconv.ParseBool(t.insecure)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		out.InsecureSkipVerify = skip
	}
	if t.caFile != "" {
		pem, err := os.ReadFile(t.caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		out.RootCAs = roots
	}
	if t.certFile != "" {
		pair, err := tls.LoadX509KeyPair(t.certFile, t.keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}
