// Package resilience retries failed load batches with backoff.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Retry defaults applied to zero RetryConfig fields.
const (
	defaultAttempts   = 2
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	defaultMultiplier = 2.0
)

// RetryConfig controls how often a batch is attempted and how long to wait
// between attempts.
type RetryConfig struct {
	MaxAttempts    int           // total attempts including the first; 1 disables retry
	InitialBackoff time.Duration // delay before the first retry
	MaxBackoff     time.Duration // upper bound on any single delay
	Multiplier     float64       // growth factor per attempt
	JitterFraction float64       // random spread as a fraction of the delay, 0.5 = ±50%

	// ShouldRetry overrides IsRetryable when set.
	ShouldRetry func(err error) bool
	// OnRetry runs before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error)
	// Sleep waits between attempts. Nil uses a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// BatchRetryConfig retries a failed load batch exactly once.
func BatchRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: defaultBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultMultiplier,
		JitterFraction: 0.25,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run
// out. Cancellation of ctx ends the loop with the last error from fn.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = applyDefaults(cfg)
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = IsRetryable
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts || ctx.Err() != nil || !retryable(err) {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if cfg.Sleep(ctx, computeBackoff(attempt-1, cfg)) != nil {
			return err
		}
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = defaultMultiplier
	}
	cfg.JitterFraction = max(cfg.JitterFraction, 0)
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return cfg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// computeBackoff returns the wait after the given zero-based attempt.
func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff)
	for i := 0; i < attempt && delay < float64(cfg.MaxBackoff); i++ {
		delay *= cfg.Multiplier
	}
	delay = min(delay, float64(cfg.MaxBackoff))

	if cfg.JitterFraction > 0 {
		delay += delay * cfg.JitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(max(delay, 0))
}

// RetryLogger returns an OnRetry callback that logs each failed attempt.
func RetryLogger(component, operation string) func(int, error) {
	log := zap.L().With(zap.String("component", component), zap.String("operation", operation))
	return func(attempt int, err error) {
		log.Warn("attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
}
