// Package errors defines the structured transfer error and sentinel errors for the mediaq queue.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Sentinel errors for the cancellation and watchdog paths.
// These can be used with errors.Is() for error comparison.
var (
	// ErrCancelledByUser is the cause recorded when a transfer is aborted by Stop, Skip or Restart.
	ErrCancelledByUser = errors.New("cancelled by user")

	// ErrCancelledByPause is the cause recorded when the pause checkpoint stops a transfer.
	ErrCancelledByPause = errors.New("cancelled by pause")

	// ErrHardTimeout is the cause recorded when a transfer exceeds its end-to-end deadline.
	ErrHardTimeout = errors.New("transfer deadline exceeded")

	// ErrStalled is the cause recorded when no chunk arrives within the inactivity window.
	ErrStalled = errors.New("transfer stalled")

	// ErrRestartsExhausted is returned once the watchdog gives up restarting a stalled queue.
	ErrRestartsExhausted = errors.New("restart budget exhausted")

	// ErrNetworkError is returned for general network-related errors during a transfer.
	ErrNetworkError = errors.New("network error occurred")
)

const (
	unknownValue = "unknown"
)

// ErrorCode represents the class of failure for a single transfer or for the queue as a whole.
type ErrorCode int

const (
	// CodeUnknown represents an unknown or unclassified error.
	CodeUnknown ErrorCode = iota

	// CodeCancelledByUser represents a deliberate Stop, Skip or Restart.
	CodeCancelledByUser

	// CodeCancelledByPause represents a cooperative pause checkpoint.
	CodeCancelledByPause

	// CodeTimeout represents a hard deadline or a stalled stream.
	CodeTimeout

	// CodeNetworkError represents a transport-level failure.
	CodeNetworkError

	// CodeHTTPError represents a non-success HTTP status.
	CodeHTTPError

	// CodeTransferFailed represents a transient failure that outlived the retry budget.
	CodeTransferFailed

	// CodeSinkFailed represents a persistence failure after a successful transfer.
	CodeSinkFailed

	// CodeRestartsExhausted represents the watchdog giving up on a stalled queue.
	CodeRestartsExhausted
)

// String returns a string representation of the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeUnknown:
		return unknownValue
	case CodeCancelledByUser:
		return "cancelled_by_user"
	case CodeCancelledByPause:
		return "cancelled_by_pause"
	case CodeTimeout:
		return "timeout"
	case CodeNetworkError:
		return "network_error"
	case CodeHTTPError:
		return "http_error"
	case CodeTransferFailed:
		return "transfer_failed"
	case CodeSinkFailed:
		return "sink_failed"
	case CodeRestartsExhausted:
		return "restarts_exhausted"
	default:
		return unknownValue
	}
}

// Timeout reasons carried by CodeTimeout errors and the transfer failures wrapping them.
const (
	ReasonStall       = "stall"
	ReasonHardTimeout = "hard_timeout"
)

// TransferError represents a structured error raised while fetching or persisting one item.
type TransferError struct {
	// Code represents the type of error that occurred.
	Code ErrorCode

	// Message is a short human-readable description.
	Message string

	// URL is the source URL that caused the error, if applicable.
	URL string

	// StatusCode contains the HTTP status code when Code is CodeHTTPError.
	StatusCode int

	// Reason tells a stall from a hard timeout: ReasonStall or ReasonHardTimeout.
	Reason string

	// Attempts is the number of attempts made before the error surfaced.
	Attempts int

	// Underlying is the original error that caused this transfer error.
	Underlying error

	// Retryable indicates whether another attempt might succeed.
	Retryable bool

	// BytesTransferred indicates how many bytes were received before the error occurred.
	BytesTransferred int64
}

// Error implements the error interface for TransferError.
func (e *TransferError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}

	if e.Underlying != nil && !strings.Contains(msg, e.Underlying.Error()) {
		return msg + ": " + e.Underlying.Error()
	}

	return msg
}

// Unwrap returns the underlying error for error unwrapping support.
func (e *TransferError) Unwrap() error {
	return e.Underlying
}

// Is implements error comparison against the package sentinels.
func (e *TransferError) Is(target error) bool {
	switch e.Code {
	case CodeCancelledByUser:
		return target == ErrCancelledByUser
	case CodeCancelledByPause:
		return target == ErrCancelledByPause
	case CodeNetworkError:
		return target == ErrNetworkError
	case CodeRestartsExhausted:
		return target == ErrRestartsExhausted
	}

	return false
}

// New creates a TransferError with the retryability implied by its code.
func New(code ErrorCode, message string) *TransferError {
	return &TransferError{
		Code:      code,
		Message:   message,
		Retryable: isRetryableByCode(code),
	}
}

// Wrap wraps an existing error as a TransferError for url.
func Wrap(underlying error, code ErrorCode, message, url string) *TransferError {
	return &TransferError{
		Code:       code,
		Message:    message,
		URL:        url,
		Underlying: underlying,
		Retryable:  isRetryableByCode(code),
	}
}

// FromHTTPStatus creates the terminal error for a non-success HTTP response.
// HTTP statuses are never retried by the transfer task.
func FromHTTPStatus(statusCode int, url string) *TransferError {
	return &TransferError{
		Code:       CodeHTTPError,
		Message:    fmt.Sprintf("HTTP %d", statusCode),
		URL:        url,
		StatusCode: statusCode,
	}
}

// FromCause classifies the error of a cancelled or failed attempt using the cancellation
// cause recorded on its context. A nil cause means the transport failed on its own.
func FromCause(err, cause error, url string) *TransferError {
	var te *TransferError
	if errors.As(err, &te) {
		return te
	}

	switch {
	case errors.Is(cause, ErrCancelledByPause):
		return Wrap(err, CodeCancelledByPause, "transfer paused", url)
	case errors.Is(cause, ErrCancelledByUser), errors.Is(cause, context.Canceled):
		return Wrap(err, CodeCancelledByUser, "transfer cancelled", url)
	case errors.Is(cause, ErrStalled):
		te = Wrap(cause, CodeTimeout, "no data received within stall window", url)
		te.Reason = ReasonStall
		return te
	case errors.Is(cause, ErrHardTimeout), errors.Is(cause, context.DeadlineExceeded):
		te = Wrap(cause, CodeTimeout, "transfer timed out", url)
		te.Reason = ReasonHardTimeout
		return te
	}

	return Wrap(err, CodeNetworkError, "network error", url)
}

// GetReason returns the Reason of the first TransferError in err's chain that has one.
func GetReason(err error) string {
	for err != nil {
		var te *TransferError
		if !errors.As(err, &te) {
			return ""
		}
		if te.Reason != "" {
			return te.Reason
		}
		err = te.Underlying
	}
	return ""
}

// isRetryableByCode determines if an error code represents a transient condition.
func isRetryableByCode(code ErrorCode) bool {
	switch code {
	case CodeNetworkError, CodeTimeout:
		return true
	default:
		return false
	}
}

// isNetworkRetryable determines if a network error is retryable based on error patterns.
func isNetworkRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"unexpected eof",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are never retried here; a cancelled attempt is classified by FromCause.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		return isNetworkRetryable(err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRetryableError(urlErr.Err)
	}

	return isNetworkRetryable(err)
}

// IsRetryable is a convenience function to check if any error is retryable.
func IsRetryable(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}

	return isRetryableError(err)
}

// IsCancellation reports whether err stems from a deliberate Stop, Skip, Restart or pause.
func IsCancellation(err error) bool {
	switch GetErrorCode(err) {
	case CodeCancelledByUser, CodeCancelledByPause:
		return true
	}
	return errors.Is(err, ErrCancelledByUser) || errors.Is(err, ErrCancelledByPause)
}

// GetErrorCode extracts the error code from any error, returning CodeUnknown
// if the error is not a TransferError.
func GetErrorCode(err error) ErrorCode {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code
	}

	return CodeUnknown
}

// GetStatusCode returns the HTTP status carried by err, or 0.
func GetStatusCode(err error) int {
	var te *TransferError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
