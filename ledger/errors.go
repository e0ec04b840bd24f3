/*
errors.go - Error taxonomy for the billing core

PURPOSE:
  All error types in one place. Every failure an operation reports falls in
  exactly one category, checked with errors.Is against the category
  sentinel:

  1. Validation - malformed or missing input (caller's fault)
  2. NotFound   - referenced patient/payment/product/hmo missing
  3. Conflict   - idempotency violations, duplicate references, stock
  4. Invariant  - would drive a balance negative, required entity absent
  5. Retryable  - anything unclassified; logged, then reported generically

USAGE:
  if errors.Is(err, ledger.ErrConflict) {
      var stock *ledger.InsufficientStockError
      if errors.As(err, &stock) { ... }
  }

SEE ALSO:
  - billing.go: Boundary maps unclassified errors to ErrRetryable
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATEGORY SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrRetryable is reported for unclassified failures. Nothing was applied.
	ErrRetryable = errors.New("operation failed, nothing was applied; retry later")
)

// =============================================================================
// CONFLICT SENTINELS
// =============================================================================

var (
	ErrPaymentAlreadyCompleted    = &ConflictError{Code: "payment_already_completed", Message: "payment already completed"}
	ErrPaymentNotCompleted        = &ConflictError{Code: "payment_not_completed", Message: "payment not yet confirmed"}
	ErrDuplicateTransferRef       = &ConflictError{Code: "duplicate_transfer_reference", Message: "transfer reference already used by another payment"}
	ErrAdmissionAlreadyDischarged = &ConflictError{Code: "admission_discharged", Message: "admission already discharged"}
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError reports bad caller input. Message is safe to show verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError for any string-like id.
func NotFound[T ~string](kind string, id T) error {
	return &NotFoundError{Kind: kind, ID: string(id)}
}

// ConflictError reports a request that contradicts current state.
// Two ConflictErrors match with errors.Is when their codes match.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Unwrap() error { return ErrConflict }

func (e *ConflictError) Is(target error) bool {
	t, ok := target.(*ConflictError)
	return ok && t.Code == e.Code
}

// InsufficientStockError names the product that cannot cover a sale.
type InsufficientStockError struct {
	ProductID ProductID
	Product   string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d",
		e.Product, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrConflict }

// OutstandingCapError is returned when an HMO settlement edit would pay more
// than the organisation owes.
type OutstandingCapError struct {
	HmoID       HmoID
	Outstanding decimal.Decimal
	Requested   decimal.Decimal
}

func (e *OutstandingCapError) Error() string {
	return fmt.Sprintf("amount %s exceeds outstanding balance %s for hmo %s",
		e.Requested.StringFixed(MoneyPlaces), e.Outstanding.StringFixed(MoneyPlaces), e.HmoID)
}

func (e *OutstandingCapError) Unwrap() error { return ErrConflict }

// StateError reports an entity in the wrong lifecycle state.
type StateError struct {
	Kind     string
	ID       string
	State    string
	Expected string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %q is %s, expected %s", e.Kind, e.ID, e.State, e.Expected)
}

func (e *StateError) Unwrap() error { return ErrConflict }

// InvariantError reports an operation that would break a ledger invariant.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return e.Message }

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// Invariant is shorthand for an InvariantError.
func Invariant(format string, args ...any) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Classified reports whether err belongs to one of the known categories.
func Classified(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvariantViolation)
}

// IsClientError returns true if the caller can fix the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the same request might succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
