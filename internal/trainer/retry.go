package trainer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/errkind"
)

// RetryConfig bounds the exponential backoff applied to transient
// OHLCVSource failures during history pre-caching, adapted from the
// teacher's circuit-breaker failure counting into a bounded per-call
// retry rather than a standing trip/cooldown latch — training needs the
// fetch to eventually succeed or fail loudly, not to halt a shared
// trading session.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the bounded-backoff shape used elsewhere in
// the module for transient external calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// WithRetry calls fn, retrying on errkind.Transient errors with
// exponential backoff up to cfg.MaxAttempts. Any other error kind (or
// exhausting the attempt budget) is returned immediately. A cfg with
// MaxAttempts < 1 (e.g. a zero RetryConfig) is replaced by
// DefaultRetryConfig().
func WithRetry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, op string, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg = DefaultRetryConfig()
	}
	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errkind.KindOf(lastErr) != errkind.Transient {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		logger.Warn("transient failure, retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
