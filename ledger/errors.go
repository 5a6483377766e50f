/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores translate driver failures into these errors; the API maps them
  onto HTTP status codes.

ERROR CATEGORIES:
  1. Client errors - Malformed input, business-rule rejections (never retried)
  2. Not found - Missing meal, wallet or vendor
  3. Store errors - Timeouts, unavailability, optimistic-concurrency conflicts

USAGE:
  if errors.Is(err, ledger.ErrInsufficientCredits) {
      var ic *ledger.InsufficientCreditsError
      errors.As(err, &ic) // ic.Shortfall
  }

SEE ALSO:
  - meals/coordinator.go: Retry policy for store errors
  - api/handlers.go: HTTP mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidStatus is returned when a requested status is not attending/skipped.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrMealNotFound is returned when the meal is absent or inactive.
	ErrMealNotFound = errors.New("meal not found")

	// ErrInsufficientCredits is returned when a debit would make a balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrWalletNotFound is returned when the user has no wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists is returned when creating a wallet twice.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrVendorNotFound is returned when a payment targets an unknown wallet.
	ErrVendorNotFound = errors.New("vendor not found")

	// ErrInvalidAmount is returned for non-positive payments and negative prices.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSelfTransfer is returned when sender and receiver are the same user.
	ErrSelfTransfer = errors.New("cannot transfer to self")

	// ErrStoreTimeout is returned when a store call did not finish in time.
	// The outcome of the interrupted call is unknown to the caller; retrying the
	// whole operation is safe because it re-reads current state.
	ErrStoreTimeout = errors.New("store timeout")

	// ErrStoreUnavailable is returned when the store cannot serve the request.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConcurrentConflict is returned when an optimistic write lost a race.
	ErrConcurrentConflict = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStatusError names the rejected status value.
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %q: must be attending or skipped", e.Value)
}

func (e *InvalidStatusError) Unwrap() error {
	return ErrInvalidStatus
}

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	UserID    UserID
	Balance   Amount
	Required  Amount
	Shortfall Amount
}

func NewInsufficientCredits(userID UserID, balance, required Amount) *InsufficientCreditsError {
	return &InsufficientCreditsError{
		UserID:    userID,
		Balance:   balance,
		Required:  required,
		Shortfall: required.Sub(balance),
	}
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %v, required %v, shortfall %v",
		e.Balance, e.Required, e.Shortfall)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConcurrentConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or a business-rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSelfTransfer)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMealNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrVendorNotFound)
}
