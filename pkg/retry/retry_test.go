package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	ctx := context.Background()
	calls := 0

	result := Do(ctx, &Config{MaxRetries: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	calls := 0

	result := Do(ctx, &Config{MaxRetries: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Fatalf("expected success after retries, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	calls := 0
	opErr := errors.New("always fails")

	result := Do(ctx, &Config{MaxRetries: 2, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return opErr
	})

	if !errors.Is(result.Err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", result.Err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
	if result.LastError != opErr {
		t.Errorf("expected last error %v, got %v", opErr, result.LastError)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	calls := 0
	opErr := errors.New("bad request")

	result := Do(ctx, &Config{MaxRetries: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Permanent(opErr)
	})

	if !errors.Is(result.Err, opErr) {
		t.Fatalf("expected permanent error %v, got %v", opErr, result.Err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result := Do(ctx, &Config{MaxRetries: 10, InitialInterval: 50 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})

	if !errors.Is(result.Err, ErrContextCanceled) {
		t.Fatalf("expected ErrContextCanceled, got %v", result.Err)
	}
}

func TestDoWithCallbackReportsAttempts(t *testing.T) {
	ctx := context.Background()
	var callbackAttempts []int

	New(&Config{MaxRetries: 2, InitialInterval: time.Millisecond}).DoWithCallback(ctx,
		func(ctx context.Context) error { return errors.New("fail") },
		func(attempt int, err error, next time.Duration) {
			callbackAttempts = append(callbackAttempts, attempt)
		})

	if len(callbackAttempts) != 2 {
		t.Fatalf("expected 2 callback invocations, got %d", len(callbackAttempts))
	}
	if callbackAttempts[0] != 1 || callbackAttempts[1] != 2 {
		t.Errorf("unexpected callback attempts: %v", callbackAttempts)
	}
}

func TestIntervalBackoffSchedule(t *testing.T) {
	r := New(DefaultConfig())

	expected := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	for attempt, want := range expected {
		got := r.interval(attempt)
		if got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}

	// Capped at MaxInterval beyond the schedule
	if got := r.interval(5); got != time.Second {
		t.Errorf("expected interval capped at 1s, got %v", got)
	}
}

func TestRetryableAndPermanentUnwrap(t *testing.T) {
	base := errors.New("boom")

	if !errors.Is(Retryable(base), base) {
		t.Error("Retryable should unwrap to base error")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent should unwrap to base error")
	}
	if Retryable(nil) != nil || Permanent(nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWithMaxRetriesDerivesRetrier(t *testing.T) {
	ctx := context.Background()
	base := New(&Config{MaxRetries: 1, InitialInterval: time.Millisecond})

	calls := 0
	result := base.WithMaxRetries(4).Do(ctx, func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("expected success within raised ceiling, got %v", result.Err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}

	// The base retrier keeps its own ceiling.
	calls = 0
	result = base.Do(ctx, func(ctx context.Context) error {
		calls++
		return Retryable(errors.New("transient"))
	})
	if result.Err == nil {
		t.Fatal("expected exhaustion on the base retrier")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}

	if base.WithMaxRetries(1) != base {
		t.Error("matching ceiling should return the same retrier")
	}
}
