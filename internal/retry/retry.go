package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"spotLadderBot/internal/ports"
)

// Config bounds a retry loop. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts int           // total attempts including the first (default 5)
	MinDelay    time.Duration // first backoff delay (default 200ms)
	MaxDelay    time.Duration // backoff cap (default 10s)
}

const (
	defaultMaxAttempts = 5
	defaultMinDelay    = 200 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MinDelay <= 0 {
		c.MinDelay = defaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// IsTransient reports whether an error is a transient infrastructure failure
// worth retrying. Validation and business errors are never transient.
func IsTransient(err error) bool {
	return errors.Is(err, ports.ErrConnectionFailed) ||
		errors.Is(err, ports.ErrTimeout) ||
		errors.Is(err, ports.ErrRateLimited) ||
		errors.Is(err, ports.ErrExchangeUnavailable) ||
		errors.Is(err, ports.ErrDBConnection) ||
		errors.Is(err, ports.ErrVersionConflict) ||
		errors.Is(err, ports.ErrLockNotAcquired)
}

// Do runs fn with capped exponential backoff and jitter between attempts.
// Only transient errors are retried; the first permanent error, a context
// cancellation, or an exhausted attempt budget ends the loop. The last error
// is returned wrapped with the operation name.
func Do(ctx context.Context, cfg Config, logger ports.Logger, op string, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	b := &backoff.Backoff{
		Min:    cfg.MinDelay,
		Max:    cfg.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := b.Duration()
		if logger != nil {
			logger.Warn(ctx, op+": transient error, retrying", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			})
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		}
	}
	return fmt.Errorf("%s: retry budget exhausted after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}
