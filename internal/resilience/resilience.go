// Package resilience provides the retry and bulkhead patterns used by the
// door-lock server.
//
// - Retry: re-runs failed operations (MongoDB connect, access-log writes)
// with exponential backoff and jitter.
// - Bulkhead: bounds how many camera frames are decoded and matched at once,
// so a burst of uploads cannot exhaust memory or dlib recognizers.
package resilience

import (
	"errors"
)

var (
	// ErrBulkheadFull is returned when a request is rejected because the bulkhead is full
	ErrBulkheadFull = errors.New("bulkhead is full")

	// ErrMaxRetriesReached is returned when the maximum number of retries has been reached
	ErrMaxRetriesReached = errors.New("maximum retries reached")

	// ErrMaxDurationReached is returned when the maximum retry duration has been reached
	ErrMaxDurationReached = errors.New("maximum retry duration reached")
)

// RetryableError lets an error opt out of retries
type RetryableError interface {
	error
	// IsRetryable returns true if the error can be retried, false otherwise
	IsRetryable() bool
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string     { return e.err.Error() }
func (e permanentError) Unwrap() error     { return e.err }
func (e permanentError) IsRetryable() bool { return false }

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsRetryable reports whether err should be retried. Errors are retryable
// unless something in their chain says otherwise.
func IsRetryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}
	return true
}
