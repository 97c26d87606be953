package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"maestro/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of retry attempts (default: 3)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // Maximum delay between retries (default: 30s)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes a function with exponential backoff retry logic.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	return RetryWithLog(ctx, config, fn, nil)
}

// RetryWithLog executes a function with retry logic and a custom logger.
func RetryWithLog(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	_, err := RetryWithResultAndLog(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

// RetryWithResult executes a function that returns a result with retry logic.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog executes a function that returns a result with retry
// logic and a custom logger. Only transient errors are retried.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zeroValue T

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, stopping retries")
			return zeroValue, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("Attempt %d failed: %v", attempt+1, err)

		if !IsTransient(err) {
			logger.Debug("Error is not transient, stopping retries")
			return zeroValue, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("Max retries (%d) exhausted", config.MaxAttempts+1)
			break
		}

		delay := calculateBackoff(attempt, config)
		logger.Debug("Waiting %v before next retry", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			logger.Debug("Context cancelled during backoff")
			return zeroValue, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zeroValue, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)

	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)

		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return delay
}
