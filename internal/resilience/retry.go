package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("all attempts failed")

// RetryConfig bounds a [Retry] loop.
type RetryConfig struct {
	// Name labels log lines.
	Name string

	// Attempts is the total number of calls, including the first. Values
	// below 1 mean a single attempt.
	Attempts int

	// Delay is the fixed pause between attempts.
	Delay time.Duration

	// Sleep overrides the pause. Tests only.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retry calls fn until it succeeds, returns a [Permanent] error, the context
// ends or the attempts are used up. fn receives the 1-based attempt number.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(cfg.Attempts, 1)
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx, attempt)
		if last == nil || IsPermanent(last) {
			return last
		}
		if ctx.Err() != nil {
			return last
		}
		slog.Warn("attempt failed",
			"name", cfg.Name,
			"attempt", attempt,
			"of", attempts,
			"err", last)
		if attempt < attempts {
			if err := sleep(ctx, cfg.Delay); err != nil {
				return fmt.Errorf("%w: %w", err, last)
			}
		}
	}
	return fmt.Errorf("%w (%d): %w", ErrRetriesExhausted, attempts, last)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
