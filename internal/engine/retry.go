package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/vallit/flowexec/pkg/schema"
)

// MaxRetryCount bounds error_handling.retry_count regardless of what a definition asks for.
const MaxRetryCount = 10

// IsRetryableError classifies whether a failed step attempt may be retried.
// Typed FlowErrors decide by code; cancellation never retries; network errors,
// deadlines and unclassified errors do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A per-call timeout is retryable; a cancelled run is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"invalid", "malformed", "unauthorized", "forbidden"} {
		if strings.Contains(msg, p) {
			return false
		}
	}

	// Let the retry count bound the attempts.
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Supports none, constant, linear and exponential backoff capped by max_delay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base < 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay <= 0 { // overflow
				delay = time.Duration(1<<63 - 1)
				break
			}
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "none", "constant" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
