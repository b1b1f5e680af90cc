// Package retry runs a single operation with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"remitrails/internal/apperr"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultMultiplier   = 2.0
)

// Operation is a unit of work that may be retried.
type Operation[T any] func(ctx context.Context) (T, error)

// Config is scoped to one Execute call.
type Config struct {
	// MaxRetries is taken literally: 0 means a single attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// IsRetryable defaults to the apperr classifier verdict.
	IsRetryable func(error) bool
	// OnRetry is called with the 1-based number of the upcoming retry.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep defaults to a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns three retries from one second, doubling to ten
// seconds, with jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       true,
	}
}

// Once is the configuration for user-initiated mutations: one attempt, no
// retry, failures surface to the caller.
func Once() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	return cfg
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.IsRetryable == nil {
		c.IsRetryable = apperr.IsRetryable
	}
	if c.Sleep == nil {
		c.Sleep = SleepContext
	}
	return c
}

// Execute attempts op up to MaxRetries+1 times. The error from the last
// attempt, or from the first non-retryable failure, is returned unchanged.
func Execute[T any](ctx context.Context, op Operation[T], cfg Config) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= cfg.MaxRetries || !cfg.IsRetryable(err) {
			return zero, err
		}

		delay := Delay(attempt, cfg)
		if cfg.Jitter {
			delay = applyJitter(delay)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}
		if serr := cfg.Sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, op func(ctx context.Context) error, cfg Config) error {
	_, err := Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, cfg)
	return err
}

// Delay is the un-jittered backoff before retry attempt+1:
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func Delay(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 0) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// applyJitter scales d by a uniform factor in [0.5, 1.0].
func applyJitter(d time.Duration) time.Duration {
	half := float64(d) / 2
	return time.Duration(half + rand.Float64()*half)
}

// SleepContext waits for d or returns early with ctx.Err().
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
