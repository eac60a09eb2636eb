package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"cafezin/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt (default: 3)
	BaseDelay    time.Duration // base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // ceiling between retries (default: 30s)
	JitterFactor float64       // randomization factor, 0 disables jitter

	// OnRetry, when set, is called once per scheduled retry with the attempt
	// number about to run (1-based).
	OnRetry func(attempt int)
}

// DefaultRetryConfig returns the backoff schedule used against the completion
// endpoint: up to three retries at 1s, 2s, 4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RetryWithResult executes fn with exponential backoff, retrying only
// transient failures. The context is honored both between attempts and, via
// fn's own use of it, during each attempt.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zero T

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Retry succeeded on attempt %d/%d", attempt+1, config.MaxAttempts+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("Attempt %d/%d failed: %v", attempt+1, config.MaxAttempts+1, err)

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("Max retries (%d) exhausted", config.MaxAttempts)
			break
		}

		delay := backoffDelay(attempt, config)
		if after := retryAfterHint(err); after > delay {
			delay = after
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt + 1)
		}
		logger.Debug("Waiting %v before retry", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoffDelay computes baseDelay * 2^attempt with optional jitter, capped at
// MaxDelay. Attempt 0 waits 1s, then 2s, then 4s with the defaults.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}

func retryAfterHint(err error) time.Duration {
	var transient *TransientError
	if stderrors.As(err, &transient) && transient.RetryAfter > 0 {
		return time.Duration(transient.RetryAfter) * time.Second
	}
	return 0
}
