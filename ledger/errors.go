/*
errors.go - Error types for the accounting core

ERROR CATEGORIES:
  1. Lookup errors - a referenced row does not exist
  2. Rule errors - catalog or counter rules were violated
  3. Store errors - concurrency conflicts and unreachable storage

Stores translate driver errors into these sentinels so callers can match
with errors.Is regardless of the backend.
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
	ErrTrainerNotFound  = errors.New("trainer not found")
	ErrClientNotFound   = errors.New("client not found")
	ErrPackageNotFound  = errors.New("package not found")
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrSessionNotFound  = errors.New("session not found")

	// ErrClientDeleted is returned when a write targets a tombstoned client.
	ErrClientDeleted = errors.New("client is deleted")

	// ErrPackageInUse is returned when deleting a package that was purchased.
	ErrPackageInUse = errors.New("package has purchases")

	// ErrPackageTrainerMismatch is returned when a client buys another trainer's package.
	ErrPackageTrainerMismatch = errors.New("package belongs to a different trainer")

	// ErrInvalidRemaining is returned when a counter would go below zero.
	ErrInvalidRemaining = errors.New("remaining sessions cannot be negative")

	// ErrInvalidPackage is the parent of every InvalidPackageError.
	ErrInvalidPackage = errors.New("invalid package")

	// ErrConcurrentModification is returned when a compare-and-swap or a
	// serializable transaction lost a race. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable is returned when the store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// LookupError is returned by the balance calculator when it cannot produce
// a trustworthy balance. A zero balance is never returned alongside it.
type LookupError struct {
	ClientID ClientID
	Err      error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup balance for client %s: %v", e.ClientID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// InvalidPackageError names the catalog field that broke a rule.
type InvalidPackageError struct {
	Field  string
	Reason string
}

func (e *InvalidPackageError) Error() string {
	return fmt.Sprintf("invalid package: %s %s", e.Field, e.Reason)
}

func (e *InvalidPackageError) Unwrap() error { return ErrInvalidPackage }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTrainerNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrPurchaseNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
