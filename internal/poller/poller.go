// Package poller repeatedly asks a status resource until it reaches a
// terminal state or a wall-clock budget runs out.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remitrails/internal/apperr"
	"remitrails/internal/retry"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxDuration = 5 * time.Minute
)

// ErrTimeout is returned once MaxDuration has elapsed.
var ErrTimeout = errors.New("polling timed out")

// Config controls one Poll call.
type Config[T any] struct {
	// ShouldContinue returning false ends polling with that result.
	ShouldContinue func(T) bool
	Interval       time.Duration
	MaxDuration    time.Duration

	// Retry is the per-cycle retry policy. Nil means two retries from 500ms.
	Retry *retry.Config

	// OnPoll is called after every successful cycle with a 1-based count.
	OnPoll    func(result T, n int)
	OnTimeout func()

	// IsRetryable decides whether a failed cycle is tolerated. The default
	// also tolerates PROCESSING responses.
	IsRetryable func(error) bool
	// OnError sees every failed cycle. A non-nil return stops polling with it.
	OnError func(error) error

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// CycleRetry is the retry policy used for each cycle when Config.Retry is nil.
func CycleRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialDelay = 500 * time.Millisecond
	return cfg
}

func (c Config[T]) withDefaults() Config[T] {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.IsRetryable == nil {
		c.IsRetryable = tolerated
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = retry.SleepContext
	}
	return c
}

// Poll runs op until ShouldContinue reports false, a failure is not
// tolerated, ctx is done, or MaxDuration elapses. The deadline is checked
// before every cycle so a slow cycle cannot overshoot unnoticed.
func Poll[T any](ctx context.Context, op retry.Operation[T], cfg Config[T]) (T, error) {
	cfg = cfg.withDefaults()

	cycle := CycleRetry()
	if cfg.Retry != nil {
		cycle = *cfg.Retry
	}
	if cycle.Sleep == nil {
		cycle.Sleep = cfg.Sleep
	}

	var zero T
	start := cfg.Now()
	polls := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if elapsed := cfg.Now().Sub(start); elapsed >= cfg.MaxDuration {
			if cfg.OnTimeout != nil {
				cfg.OnTimeout()
			}
			return zero, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Millisecond))
		}

		result, err := retry.Execute(ctx, op, cycle)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			if cfg.OnError != nil {
				if stop := cfg.OnError(err); stop != nil {
					return zero, stop
				}
			}
			if !cfg.IsRetryable(err) {
				return zero, err
			}
		} else {
			polls++
			if cfg.OnPoll != nil {
				cfg.OnPoll(result, polls)
			}
			if cfg.ShouldContinue == nil || !cfg.ShouldContinue(result) {
				return result, nil
			}
		}

		if err := cfg.Sleep(ctx, cfg.Interval); err != nil {
			return zero, err
		}
	}
}

func tolerated(err error) bool {
	return apperr.IsRetryable(err) || apperr.IsProcessing(err)
}
