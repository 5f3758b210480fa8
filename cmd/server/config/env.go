package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var errNegative = errors.New("must be >= 0")

// lookup returns the trimmed value of name; blank counts as unset.
func lookup(name string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	return raw, raw != ""
}

// parseEnv converts name with conv. ok is false when the variable is unset.
func parseEnv[T any](name string, conv func(string) (T, error)) (val T, ok bool, err error) {
	raw, set := lookup(name)
	if !set {
		return val, false, nil
	}
	if val, err = conv(raw); err != nil {
		return val, false, fmt.Errorf("%s: %w", name, err)
	}
	return val, true, nil
}

func required[T any](name string, conv func(string) (T, error)) (T, error) {
	val, ok, err := parseEnv(name, conv)
	if err == nil && !ok {
		err = fmt.Errorf("%s is required", name)
	}
	return val, err
}

func optional[T any](name string, conv func(string) (T, error)) (*T, error) {
	val, ok, err := parseEnv(name, conv)
	if err != nil || !ok {
		return nil, err
	}
	return &val, nil
}

func orDefault[T any](name string, def T, conv func(string) (T, error)) (T, error) {
	val, ok, err := parseEnv(name, conv)
	if err != nil || !ok {
		return def, err
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	if raw, ok := lookup(name); ok {
		return raw, nil
	}
	return "", fmt.Errorf("%s is required", name)
}

func stringOr(name, def string) string {
	if raw, ok := lookup(name); ok {
		return raw
	}
	return def
}

func nonNegativeInt(raw string) (int, error) {
	val, err := strconv.Atoi(raw)
	if err == nil && val < 0 {
		err = errNegative
	}
	return val, err
}

func nonNegativeDuration(raw string) (time.Duration, error) {
	val, err := time.ParseDuration(raw)
	if err == nil && val < 0 {
		err = errNegative
	}
	return val, err
}
