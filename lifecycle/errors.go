/*
errors.go - Centralized error types for the case lifecycle engine

PURPOSE:
  All error kinds the engine can surface, in one place. Every structured
  error unwraps to a sentinel so callers branch with errors.Is and read
  details with errors.As.

ERROR CATEGORIES:
  1. InvalidInputError    - malformed cedula, dates, serial or state (400)
  2. NotFoundError        - serial or employee does not exist (404)
  3. ConflictError        - employee is blocked by a pending case (409)
  4. ConcurrencyError     - two writers raced on one employee (409, retry)
  5. ExternalDispatchWarning - notifier or sync failed; logged, never returned
                               as the operation's error

PROPAGATION:
  Validation and not-found errors are returned unmodified. Conflicts carry
  the blocking serial so the caller can point the employee at it.
  Collaborator failures are collected in results and logged.

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package lifecycle

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned before any persistence happens.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a serial, case or employee does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a blocked employee attempts a new submission.
	ErrConflict = errors.New("blocked by pending case")

	// ErrConcurrentModification is returned when a unique constraint detects
	// a race between writers for the same employee.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateSerial is returned by stores when a serial is already taken.
	ErrDuplicateSerial = errors.New("duplicate serial")

	// ErrExternalDispatch marks notifier and sync failures.
	ErrExternalDispatch = errors.New("external dispatch failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError describes a rejected field.
type InvalidInputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string // "case", "employee", "predecessor"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned when the employee already has a blocking case.
type ConflictError struct {
	Cedula         string
	BlockingSerial string
	Reason         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cedula %s blocked by pending case %s: %s", e.Cedula, e.BlockingSerial, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ConcurrencyError wraps the store-level constraint violation.
type ConcurrencyError struct {
	Cedula string
	Err    error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent write for cedula %s: %v", e.Cedula, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrentModification }

// ExternalDispatchWarning records a collaborator failure after commit.
type ExternalDispatchWarning struct {
	Collaborator string // "notifier", "sheets"
	Serial       string
	Kind         string
	Err          error
}

func (e *ExternalDispatchWarning) Error() string {
	return fmt.Sprintf("%s dispatch %s for %s failed: %v", e.Collaborator, e.Kind, e.Serial, e.Err)
}

func (e *ExternalDispatchWarning) Unwrap() error { return ErrExternalDispatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the employee is blocked.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
