/*
errors.go - Centralized error types for the savings engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Product packages (sol, tikane) and the HTTP layer classify failures with
  errors.Is against the five category sentinels below.

ERROR CATEGORIES:
  1. ErrValidation        - Malformed or missing input, rejected before any write
  2. ErrNotFound          - Missing row, or a row the caller may not see
  3. ErrConflict          - State does not allow the transition (already paid, ...)
  4. ErrInsufficientFunds - Wallet debit larger than the balance
  5. ErrStorage           - Transaction or connection failure

  Specific conditions (ErrAlreadyPaid, ErrGroupFull, ...) wrap one category,
  so callers may test either the precise error or its category.

USAGE:
  if errors.Is(err, generic.ErrAlreadyPaid) { ... }    // precise
  if errors.Is(err, generic.ErrConflict) { ... }       // category

SEE ALSO:
  - ledger.go, wallet.go, lifecycle.go: Return these errors
  - store/sqlite, store/postgres: Map driver errors onto them
  - api/handlers.go: Maps categories to HTTP status codes
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
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStorage           = errors.New("storage failure")

	// ErrInvalidFrequency is returned for any frequency outside daily/weekly/biweekly/monthly.
	// No call site falls back to a default frequency.
	ErrInvalidFrequency = fmt.Errorf("%w: invalid frequency", ErrValidation)

	// ErrInsufficientAmount rejects partial payments of a scheduled event.
	ErrInsufficientAmount = fmt.Errorf("%w: paid amount below expected amount", ErrValidation)

	ErrAlreadyPaid             = fmt.Errorf("%w: event already paid", ErrConflict)
	ErrNotPending              = fmt.Errorf("%w: entry is not pending", ErrConflict)
	ErrCycleNotReady           = fmt.Errorf("%w: cycle is not ready for payout", ErrConflict)
	ErrGroupFull               = fmt.Errorf("%w: group member limit reached", ErrConflict)
	ErrRotationStarted         = fmt.Errorf("%w: payout rotation already started", ErrConflict)
	ErrScheduleLocked          = fmt.Errorf("%w: schedule has settled or in-flight payments", ErrConflict)
	ErrAlreadyContributed      = fmt.Errorf("%w: contribution already recorded for cycle", ErrConflict)
	ErrPayoutExists            = fmt.Errorf("%w: payout already initiated for cycle", ErrConflict)
	ErrPaymentInFlight         = fmt.Errorf("%w: event already has a payment awaiting approval", ErrConflict)
	ErrInvalidTransition       = fmt.Errorf("%w: invalid status transition", ErrConflict)
	ErrAccountInactive         = fmt.Errorf("%w: account is not active", ErrConflict)
	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: duplicate idempotency key", ErrConflict)

	// ErrDuplicate is a unique-constraint violation reported by a store.
	// Callers that serialize through unique constraints retry on it.
	ErrDuplicate = fmt.Errorf("%w: duplicate row", ErrConflict)

	// ErrConcurrentModification is returned when a lock or busy timeout fires.
	ErrConcurrentModification = fmt.Errorf("%w: concurrent modification detected", ErrStorage)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies the missing row.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientFundsError provides details about a wallet shortage.
type InsufficientFundsError struct {
	WalletID  WalletID
	UserID    UserID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s",
		e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InsufficientAmountError reports a payment below the event's expected amount.
type InsufficientAmountError struct {
	EventID  EventID
	Expected Amount
	Paid     Amount
}

func (e *InsufficientAmountError) Error() string {
	return fmt.Sprintf("event %s expects %s, got %s", e.EventID, e.Expected, e.Paid)
}

func (e *InsufficientAmountError) Unwrap() error { return ErrInsufficientAmount }

// DuplicateError carries the violated constraint.
type DuplicateError struct {
	Constraint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate row violates %s", e.Constraint)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// StorageError wraps a driver failure while keeping both the category and the cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicate)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the current state rejects the operation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
