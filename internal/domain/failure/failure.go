// Package failure classifies pipeline errors as invalid, transient or permanent.
package failure

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Typed errors below wrap these so callers can use errors.Is.
var (
	ErrInvalidEvent     = errors.New("invalid event")
	ErrTransient        = errors.New("transient failure")
	ErrPermanent        = errors.New("permanent failure")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// InvalidEventError rejects an event at validation. It is never retried.
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return ErrInvalidEvent }

// Invalid builds an InvalidEventError.
func Invalid(field, reason string) *InvalidEventError {
	return &InvalidEventError{Field: field, Reason: reason}
}

// TransientError is a failure expected to clear on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// PermanentError is a failure that will not clear on retry.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err) }

func (e *PermanentError) Unwrap() []error { return []error{ErrPermanent, e.Err} }

// Permanent wraps err as terminal.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// RetriesExhaustedError ends an event whose retry budget ran out.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Last} }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *PermanentError
	var inv *InvalidEventError
	var ex *RetriesExhaustedError
	switch {
	case errors.As(err, &ex), errors.As(err, &inv):
		return true
	case errors.As(err, &p):
		var t *TransientError
		// The outermost classification wins.
		if errors.As(err, &t) {
			return outermostPermanent(err)
		}
		return true
	}
	return false
}

// IsTransient reports whether err may clear on retry. Unclassified errors are
// treated as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

func outermostPermanent(err error) bool {
	for err != nil {
		switch err.(type) {
		case *PermanentError:
			return true
		case *TransientError:
			return false
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
