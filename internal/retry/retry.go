// Package retry runs storage and index writes with bounded exponential
// backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/cenkalti/backoff/v4"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms" yaml:"initial_interval_ms" json:"initial_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms" yaml:"max_interval_ms" json:"max_interval_ms"`
}

// DefaultConfig allows four attempts starting at 100ms.
func DefaultConfig() Config {
	return Config{MaxAttempts: 4, InitialIntervalMs: 100, MaxIntervalMs: 2000}
}

func (c Config) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(max(c.InitialIntervalMs, 1)) * time.Millisecond
	b.MaxInterval = time.Duration(max(c.MaxIntervalMs, c.InitialIntervalMs, 1)) * time.Millisecond
	b.MaxElapsedTime = 0
	attempts := max(c.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx ends. Only errors document.Retryable accepts are
// retried. The last error is returned.
func Do(ctx context.Context, cfg Config, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !document.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.backOff(ctx), func(err error, wait time.Duration) {
		slog.Warn("Retrying operation", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
}
