package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vidpipe/internal/backoff"
)

func TestConstant(t *testing.T) {
	c := backoff.Constant{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := backoff.Exponential{Initial: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitteredStaysInRange(t *testing.T) {
	j := backoff.Jittered{Initial: 100 * time.Millisecond, Max: time.Second}
	for i := 0; i < 200; i++ {
		attempt := i%6 + 1
		limit := backoff.Exponential{Initial: j.Initial, Max: j.Max}.Delay(attempt)
		if got := j.Delay(attempt); got < 0 || got > limit {
			t.Fatalf("Delay(%d) = %v outside [0, %v]", attempt, got, limit)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	retries := 0
	err := backoff.Retry(context.Background(), backoff.Policy{
		Attempts: 3,
		Strategy: backoff.Constant{Interval: time.Millisecond},
		OnRetry:  func(int, time.Duration, error) { retries++ },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Fatalf("calls=%d retries=%d", calls, retries)
	}
}

func TestRetryStopsAtBudget(t *testing.T) {
	calls := 0
	want := errors.New("still broken")
	err := backoff.Retry(context.Background(), backoff.Policy{Attempts: 4}, func(context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 4 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryHonoursRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := backoff.Retry(context.Background(), backoff.Policy{
		Attempts:  5,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := backoff.Retry(ctx, backoff.Policy{
		Attempts: 10,
		Strategy: backoff.Constant{Interval: time.Hour},
		OnRetry:  func(int, time.Duration, error) { cancel() },
	}, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestSleep(t *testing.T) {
	if err := backoff.Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := backoff.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
}
