package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff
// re-acquisition of the camera.
type ReconnectConfig struct {
	MaxRetries    int           // Maximum consecutive attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns the default reconnection configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// reconnectState tracks consecutive failures. Only the monitor goroutine
// touches currentRetries; reconnects is read by Stats.
type reconnectState struct {
	currentRetries int
	reconnects     atomic.Uint32
}

func (s *reconnectState) reset() {
	s.currentRetries = 0
}

// connectFunc runs one connection attempt until it fails (error) or ctx is
// cancelled (nil). It calls acquired once the device is up again, which
// clears the consecutive failure count.
type connectFunc func(ctx context.Context, attempt int, acquired func()) error

// runWithReconnect calls connectFn until it returns nil, ctx is done or
// MaxRetries consecutive failures occurred. Failures separated by a
// successful acquisition are not consecutive.
//
// Exponential backoff schedule (defaults): 1s, 2s, 4s, 8s, 16s, then stop.
func runWithReconnect(
	ctx context.Context,
	connectFn connectFunc,
	cfg ReconnectConfig,
	state *reconnectState,
	logger *slog.Logger,
) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectFn(ctx, attempt, state.reset)
		if err == nil {
			state.reset()
			return nil
		}
		attempt++

		state.currentRetries++
		state.reconnects.Add(1)

		if state.currentRetries > cfg.MaxRetries {
			return fmt.Errorf("capture: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.currentRetries, cfg)
		logger.Warn("capture: reacquiring camera",
			"attempt", state.currentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at
// MaxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
