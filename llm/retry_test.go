package llm

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 60.0}

	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, expected := range delays {
		if got := policy.Delay(i); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 5.0}
	if got := policy.Delay(10); got != 5*time.Second {
		t.Errorf("expected 5s (capped), got %v", got)
	}
}

func TestRetryPolicyDelayJitter(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 60.0, Jitter: true}
	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Errorf("jittered delay out of range: %v", got)
		}
	}
}

func TestRetrySuccessAfterFailures(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}

	calls := 0
	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Unavailable("test", "server error", nil)
		}
		return "success", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected %q, got %q", "success", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryNonRetryable(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}

	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", MalformedResponse("test", "bad shape", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryCancelled(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 10, BackoffMultiplier: 1, MaxDelay: 10}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return "", Unavailable("test", "flaky", nil)
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
