package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outcome is the explicit result of a bounded attempt loop.
type Outcome[T any] struct {
	Value    T
	Success  bool
	Attempts int
	Err      error
}

// BlockFetchConfig is the retry policy for validation block fetches.
func BlockFetchConfig() Config {
	return Config{
		MaxRetries:    13,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    1.5,
		JitterEnabled: true,
	}
}

// Bounded calls fn until it succeeds or cfg.MaxRetries attempts were used.
// The attempt counter and last error are always reported in the Outcome.
func Bounded[T any](ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func(attempt int) (T, error)) Outcome[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	out := Outcome[T]{}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = fmt.Errorf("retry cancelled: %w", err)
			return out
		}

		out.Attempts = attempt
		value, err := fn(attempt)
		if err == nil {
			out.Value = value
			out.Success = true
			out.Err = nil
			return out
		}
		out.Err = err

		if attempt == maxAttempts {
			break
		}

		delay := calculateBackoff(cfg, attempt)
		logger.Debug("Attempt failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			out.Err = fmt.Errorf("retry cancelled: %w", ctx.Err())
			return out
		case <-time.After(delay):
		}
	}

	out.Err = fmt.Errorf("%s failed after %d attempts: %w", operation, out.Attempts, out.Err)
	return out
}
