// Package retry implements the bounded, fixed back-off retry budget of a single transfer.
package retry

import (
	"context"
	"time"

	"github.com/forest6511/mediaq/pkg/errors"
)

// RetryManager runs an operation up to MaxAttempts times, sleeping Delay between attempts.
// Only errors classified as retryable are attempted again.
type RetryManager struct {
	MaxAttempts int           // Total attempts including the first one
	Delay       time.Duration // Fixed back-off between attempts
}

// NewRetryManager creates a RetryManager with the default budget of three attempts.
func NewRetryManager() *RetryManager {
	return &RetryManager{
		MaxAttempts: 3,
		Delay:       750 * time.Millisecond,
	}
}

// NewRetryManagerWithConfig creates a RetryManager with an explicit budget.
func NewRetryManagerWithConfig(maxAttempts int, delay time.Duration) *RetryManager {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryManager{
		MaxAttempts: maxAttempts,
		Delay:       delay,
	}
}

// ShouldRetry reports whether err, returned by the given 1-based attempt, earns another attempt.
func (rm *RetryManager) ShouldRetry(err error, attempt int) bool {
	if attempt >= rm.MaxAttempts {
		return false
	}
	if errors.IsCancellation(err) {
		return false
	}
	return errors.IsRetryable(err)
}

// ExecuteWithRetry runs operation until it succeeds, fails terminally, or the budget is spent.
func (rm *RetryManager) ExecuteWithRetry(ctx context.Context, operation func(ctx context.Context, attempt int) error) error {
	return rm.ExecuteWithRetryCallback(ctx, operation, nil)
}

// ExecuteWithRetryCallback is ExecuteWithRetry with a hook called before each back-off.
//
// A terminal error is returned unchanged. A retryable error that outlives the budget is
// returned as CodeTransferFailed wrapping the last attempt's error. Cancellation of ctx
// during the back-off is reported as a cancellation error.
func (rm *RetryManager) ExecuteWithRetryCallback(
	ctx context.Context,
	operation func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error, nextDelay time.Duration),
) error {
	var lastErr error

	for attempt := 1; attempt <= rm.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return errors.FromCause(ctx.Err(), context.Cause(ctx), "")
		}

		err := operation(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || errors.IsCancellation(err) {
			return err
		}
		if attempt >= rm.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, err, rm.Delay)
		}

		timer := time.NewTimer(rm.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.FromCause(ctx.Err(), context.Cause(ctx), "")
		case <-timer.C:
		}
	}

	failed := errors.Wrap(lastErr, errors.CodeTransferFailed, "transfer failed", urlOf(lastErr))
	failed.Attempts = rm.MaxAttempts
	failed.Reason = errors.GetReason(lastErr)
	return failed
}

func urlOf(err error) string {
	var te *errors.TransferError
	if errors.As(err, &te) {
		return te.URL
	}
	return ""
}
