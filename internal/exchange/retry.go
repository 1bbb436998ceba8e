package exchange

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for market-data calls.
type RetryConfig struct {
	MaxRetries    int
	BackoffDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration:
// three retries at 1s, 2s, 4s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BackoffDelays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// IsRetryable determines if an error should trigger a retry.
// Rate limits, timeouts and transient connection failures are retryable;
// everything else (bad symbol, signature errors) is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"rate limit",
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"service unavailable",
		"gateway timeout",
		"too many requests",
		"429",
		"503",
		"504",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// WithRetry runs fn, retrying retryable failures with the configured backoff.
// The last error is returned once retries are exhausted.
func WithRetry(cfg *RetryConfig, label string, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.BackoffDelays[len(cfg.BackoffDelays)-1]
			if attempt-1 < len(cfg.BackoffDelays) {
				delay = cfg.BackoffDelays[attempt-1]
			}
			log.Printf("[EXCHANGE] Retry %d/%d for %s in %v (last error: %v)",
				attempt, cfg.MaxRetries, label, delay, lastErr)
			time.Sleep(delay)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%s failed after %d retries: %w", label, cfg.MaxRetries, lastErr)
}
