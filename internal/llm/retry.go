package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RetryConfig controls exponential-backoff retries around provider calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero or negative means a single attempt.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt; later waits double
	// up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig suits short network calls.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying might succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// isRetryable classifies errors: open circuits, cancellations and
// permanent provider rejections are final; everything else is retried.
func isRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}

// retryDo calls fn up to cfg.MaxAttempts times, backing off exponentially.
// It stops early when ctx is done, fn succeeds, or the error is final.
func retryDo(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			slog.Debug("llm: attempt failed, retrying",
				"attempt", attempt, "max", cfg.MaxAttempts, "error", lastErr, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}

			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return lastErr
}

// guard bundles the per-call timeout, retry policy and circuit breaker that
// every network client applies.
type guard struct {
	name    string
	timeout time.Duration
	retry   RetryConfig
	breaker *CircuitBreaker
}

func newGuard(name string, timeout time.Duration, retry RetryConfig) guard {
	return guard{
		name:    name,
		timeout: timeout,
		retry:   retry,
		breaker: NewCircuitBreaker(name),
	}
}

// run executes fn under the guard. Each attempt gets its own timeout.
func run[T any](ctx context.Context, g guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := retryDo(ctx, g.retry, func() error {
		res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fn(callCtx)
		})
		if err != nil {
			return err
		}
		out = res.(T)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return out, fmt.Errorf("%s circuit breaker open: %w", g.name, err)
		}
		return out, err
	}
	return out, nil
}
