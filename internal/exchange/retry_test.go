package exchange

import (
	"errors"
	"testing"
	"time"
)

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BackoffDelays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rate limit exceeded"), true},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("connection refused"), true},
		{errors.New("gateway timeout"), true},
		{errors.New("invalid symbol"), false},
		{errors.New("signature for this request is not valid"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetry(fastRetryConfig(), "klines", func() error {
		calls++
		if calls < 3 {
			return errors.New("service unavailable")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(fastRetryConfig(), "order", func() error {
		calls++
		return errors.New("invalid symbol")
	})

	if err == nil || calls != 1 {
		t.Errorf("permanent errors must not retry: calls=%d err=%v", calls, err)
	}
}

func TestWithRetryExhaustsRetries(t *testing.T) {
	calls := 0
	err := WithRetry(fastRetryConfig(), "ticker", func() error {
		calls++
		return errors.New("timeout")
	})

	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if calls != 4 {
		t.Errorf("fn called %d times, want 4 (initial + 3 retries)", calls)
	}
}
