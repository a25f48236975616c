// Package retry runs hardware bring-up steps with a bounded number of
// attempts and a fixed delay between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrExhausted is wrapped by Run when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Config contains configuration for bounded fixed-backoff retries
type Config struct {
	MaxAttempts int           // Total attempts including the first (default: 3)
	Backoff     time.Duration // Delay between attempts (default: 500ms)
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

// State tracks attempts across calls to Run
type State struct {
	Attempts *uint32 // Atomic counter, incremented on every failed attempt
}

// Func is one attempt. A nil return stops the loop.
type Func func(ctx context.Context) error

// Run calls fn until it succeeds, MaxAttempts is reached or ctx is done.
//
// Schedule with DefaultConfig:
//   - Attempt 1: immediately
//   - Attempt 2: after 500ms
//   - Attempt 3: after 500ms
//   - After 3 failures: ErrExhausted wrapping the last error
//
// state may be nil.
func Run(ctx context.Context, name string, cfg Config, state *State, fn Func) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("retry: succeeded after retries", "op", name, "attempt", attempt)
			}
			return nil
		}

		if state != nil && state.Attempts != nil {
			atomic.AddUint32(state.Attempts, 1)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("retry: attempt failed",
			"op", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", cfg.Backoff,
			"error", lastErr,
		)

		select {
		case <-time.After(cfg.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, name, cfg.MaxAttempts, lastErr)
}
