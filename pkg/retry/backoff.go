package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// jitterSpread is the total width of the jitter band as a fraction of the
// delay, centred on the nominal value.
const jitterSpread = 0.3

// Config defines retry behavior shared by Bounded and WithBackoff.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// DefaultConfig is the policy for establishing database connections at startup.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    10,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// WithBackoff runs fn under Bounded and collapses the Outcome to an error.
// Used where only success matters, e.g. dialing a store.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	out := Bounded(ctx, cfg, logger, operation, func(int) (struct{}, error) {
		return struct{}{}, fn()
	})
	if !out.Success {
		return out.Err
	}
	if out.Attempts > 1 && logger != nil {
		logger.Info("Operation succeeded after retries",
			zap.String("operation", operation),
			zap.Int("attempts", out.Attempts))
	}
	return nil
}

// calculateBackoff returns the wait before attempt+1.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	nominal := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	nominal = math.Min(nominal, float64(cfg.MaxDelay))
	if !cfg.JitterEnabled {
		return time.Duration(nominal)
	}
	offset := (rand.Float64() - 0.5) * jitterSpread * nominal
	return time.Duration(nominal + offset)
}
