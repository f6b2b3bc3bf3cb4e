// Package resilience provides generic retry and circuit-breaker building
// blocks for the model adapter's transient-error path. The supervisor's
// backoff-then-replace path does not use this package; it uses
// github.com/cenkalti/backoff/v4 directly.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Retryable lets a caller mark which errors are worth retrying; fn's
// errors that don't satisfy this are returned immediately instead of
// burning the remaining attempts. A nil Retryable treats every error as
// retryable, matching the unconditional-retry behavior callers get by
// default.
type Retryable func(error) bool

// Retry executes fn up to attempts times with exponential backoff and full
// jitter, starting from delay and doubling each attempt (capped at 60s).
// component labels the emitted metrics (e.g. "model_adapter",
// "task_claim") so a flapping dependency shows up under its own series
// instead of one undifferentiated resilience counter. retryable, if
// non-nil, short-circuits the loop on the first non-retryable error.
// Returns the last error if every attempt fails, or ctx.Err() joined with
// the last error if cancelled while sleeping between attempts.
func Retry[T any](ctx context.Context, component string, attempts int, delay time.Duration, retryable Retryable, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("taskforge")
	attrs := metric.WithAttributes(attribute.String("component", component))
	attemptCounter, _ := meter.Int64Counter("taskforge_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskforge_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskforge_resilience_retry_fail_total")
	giveUpCounter, _ := meter.Int64Counter("taskforge_resilience_retry_non_retryable_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1, attrs)
		if err == nil {
			successCounter.Add(ctx, 1, attrs)
			return v, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			giveUpCounter.Add(ctx, 1, attrs)
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1, attrs)
			return zero, errors.Join(ctx.Err(), lastErr)
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1, attrs)
	return zero, lastErr
}
