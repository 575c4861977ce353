/*
errors.go - Centralized error types for the circle engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is against the sentinels below;
  structured errors carry context and unwrap to a sentinel.

ERROR CATEGORIES:
  1. Policy errors - A group policy that cannot produce a schedule
  2. Validation errors - Out-of-range input (negative amounts, bad periods)
  3. State errors - Illegal status transitions, immutable rows, closed circles
  4. Store errors - Missing rows, optimistic-lock conflicts, duplicate keys

INSUFFICIENT FUNDS:
  Running out of money is a business outcome, not a fault. Admission and
  settlement resolve it into a WAITLISTED or REJECTED status, so no error
  value exists for it.

SEE ALSO:
  - circle/service.go: Wraps these errors with operation context
  - api/handlers.go: Maps them to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidPolicy is returned when a group policy cannot drive a schedule
	// (zero or negative duration, negative installments, unknown strategy).
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrInvalidAmount is returned for negative or otherwise unusable amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPeriod is returned when a period index is outside the schedule.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	// The whole settlement run is safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDataIntegrity is returned when a write would violate immutability
	// (editing a confirmed contribution, writing to a closed circle).
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrCircleClosed is returned when a mutation targets a CLOSED circle.
	ErrCircleClosed = fmt.Errorf("%w: circle is closed", ErrDataIntegrity)

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same
	// idempotency key already exists. Expected for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrGroupExists is returned when creating a group whose id is taken.
	ErrGroupExists = fmt.Errorf("%w: group already exists", ErrDataIntegrity)

	// ErrActiveCircleExists is returned when opening a second ACTIVE circle.
	ErrActiveCircleExists = errors.New("group already has an active circle")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// PolicyError names the policy field that was rejected.
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("invalid policy: %s %s", e.Field, e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrInvalidPolicy }

// ValidationError names the input field that was rejected.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // sentinel, defaults to ErrInvalidAmount
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidAmount
	}
	return e.Err
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsConflict returns true for errors that describe a clash with stored state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDataIntegrity) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrActiveCircleExists)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
