package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), "test", 4, time.Millisecond, nil, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	_, err := Retry(context.Background(), "test", 3, time.Millisecond, nil, func() (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, "test", 5, 50*time.Millisecond, nil, func() (int, error) {
		return 0, errors.New("fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	wantErr := errors.New("terminal")
	calls := 0
	_, err := Retry(context.Background(), "test", 5, time.Millisecond, func(error) bool { return false }, func() (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call before giving up, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker("test", time.Second, 4, 4, 0.5, 50*time.Millisecond, 1)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("expected breaker to allow request %d while closed", i)
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("expected breaker to be open after sustained failures")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test", time.Second, 4, 2, 0.5, 10*time.Millisecond, 1)
	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected breaker open immediately after tripping")
	}
	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed after cool-down")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected breaker closed again after successful probe")
	}
}
