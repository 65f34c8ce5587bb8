package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastStrategy() Strategy {
	return Strategy{Delays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastStrategy(), func(ctx context.Context, attempt int) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsStrategy(t *testing.T) {
	wantErr := errors.New("permanent")
	err := Retry(context.Background(), fastStrategy(), func(ctx context.Context, attempt int) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped original error, got %v", err)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, Strategy{Delays: []time.Duration{time.Minute}}, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryCallbackReceivesAttempts(t *testing.T) {
	var calls []int
	_ = RetryWithCallback(context.Background(), fastStrategy(), func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	}, func(attempt int, err error, delay time.Duration) {
		calls = append(calls, attempt)
	})

	if len(calls) != 3 {
		t.Fatalf("expected 3 retry callbacks, got %d", len(calls))
	}
}
