package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownEndpoint means the endpoint was deleted on the platform side.
	// Callers evict it and provision a fresh one.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrNotReady        = errors.New("platform session not ready")
)

// Transient marks err as worth retrying. retryAfter is the platform's hint
// (429 Retry-After); 0 means no hint.
func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return transientError{err: err, after: max(retryAfter, 0)}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsTransient(err error) bool {
	var e transientError
	return errors.As(err, &e)
}

func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

func IsUnknownEndpoint(err error) bool { return errors.Is(err, ErrUnknownEndpoint) }

// RetryAfter returns the delay hint carried by a transient error.
func RetryAfter(err error) (time.Duration, bool) {
	var e transientError
	if !errors.As(err, &e) || e.after <= 0 {
		return 0, false
	}
	return e.after, true
}

type transientError struct {
	err   error
	after time.Duration
}

func (e transientError) Error() string {
	if e.after > 0 {
		return fmt.Sprintf("transient (retry after %s): %v", e.after, e.err)
	}
	return fmt.Sprintf("transient: %v", e.err)
}
func (e transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
