package domain

import (
	"errors"
	"fmt"
)

// ErrAuthRequired stops a sync pass early; every other per-action failure
// is recorded in the pass result instead of aborting it.
var ErrAuthRequired = errors.New("authentication required")

var (
	ErrSessionNotFound = errors.New("no active booking session")
	ErrActionNotFound  = errors.New("action not found")

	// ErrDuplicateAction means an action with the same idempotency key
	// is already queued; the mutation is covered and must not be
	// recorded twice.
	ErrDuplicateAction = errors.New("action already queued")
)

// TransientError wraps a failure worth retrying with backoff: network
// errors, timeouts, server unavailability.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a permanent rejection unrelated to contention.
// Retrying cannot help; the server message is surfaced verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError means the target resource changed incompatibly on the
// server. Canonical carries the server's current state so the caller can
// offer reschedule/resolve.
type ConflictError struct {
	Message   string
	Canonical string
}

func (e *ConflictError) Error() string { return e.Message }

// StorageError means the local persistence medium is unavailable. The
// store degrades to in-memory for the rest of the session rather than
// losing the mutation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}

// AsConflict extracts a ConflictError if present.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
