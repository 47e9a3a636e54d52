// Package faults tags errors as transient or permanent so the queue layer can
// decide retry-vs-terminal from the classification alone instead of guessing
// from error strings.
package faults

import "errors"

// TransientError marks a failure that is safe to retry (storage timeout,
// network error). The wrapped error is preserved for logging.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that must not be retried (signature mismatch,
// unsupported action, business rejection).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err carries a transient classification.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
