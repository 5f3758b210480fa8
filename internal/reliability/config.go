package reliability

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the env-driven shape of a Guard.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// LoadConfigFromEnv reads <PREFIX>_RETRY_MAX_ATTEMPTS, <PREFIX>_RETRY_BASE_DELAY,
// <PREFIX>_RETRY_MAX_DELAY, <PREFIX>_BREAKER_MAX_FAILURES,
// <PREFIX>_BREAKER_RESET_TIMEOUT, <PREFIX>_RATE_LIMIT_INTERVAL and
// <PREFIX>_RATE_LIMIT_BURST. All are required.
func LoadConfigFromEnv(prefix string) (Config, error) {
	cfg := Config{}
	var err error
	name := func(suffix string) string { return prefix + "_" + suffix }

	if cfg.RetryMaxAttempts, err = parseRequiredInt(name("RETRY_MAX_ATTEMPTS")); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = parseRequiredDuration(name("RETRY_BASE_DELAY")); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseRequiredDuration(name("RETRY_MAX_DELAY")); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseRequiredInt(name("BREAKER_MAX_FAILURES")); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseRequiredDuration(name("BREAKER_RESET_TIMEOUT")); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseRequiredDuration(name("RATE_LIMIT_INTERVAL")); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseRequiredInt(name("RATE_LIMIT_BURST")); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Policy returns the retry policy described by the config.
func (c Config) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// Guard builds a Guard; a zero breaker or limiter setting disables that part.
func (c Config) Guard(onWait func(time.Duration)) Guard {
	g := Guard{Retry: c.Policy()}
	if c.BreakerMaxFailures > 0 {
		g.Breaker = NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		})
	}
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		g.Limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst, onWait)
	}
	return g
}

func parseRequiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseRequiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
