/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Input errors - rejected before any write (InvalidAmount, InvalidInput, InvalidKind)
  2. Conflict errors - DuplicateMovement, DependentMovementExists, AccountExists
  3. Not-found errors - AccountNotFound, MovementNotFound
  4. Integrity errors - ReplayDivergence (a logic bug upstream, never clamped)

Every mutation runs inside one store transaction; any error rolls it back.
The ledger never retries internally.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/receivables"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput is returned for missing or malformed fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidKind is returned for names outside the kind catalog, or a
	// kind that is not allowed for the requested operation.
	ErrInvalidKind = errors.New("invalid movement kind")

	// ErrDuplicateMovement is returned when (account, sale, kind) already exists.
	ErrDuplicateMovement = errors.New("duplicate movement")

	// ErrDependentMovementExists blocks deleting a credit other movements consumed.
	ErrDependentMovementExists = errors.New("dependent movement exists")

	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when the customer already has an account.
	ErrAccountExists = errors.New("account already exists for customer")

	// ErrMovementNotFound is returned when the movement does not exist or is deleted.
	ErrMovementNotFound = errors.New("movement not found")

	// ErrReplayDivergence means the stored state still disagrees with replay
	// after a correction was written.
	ErrReplayDivergence = errors.New("replay divergence")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateMovementError names the movement that already holds the triple.
type DuplicateMovementError struct {
	AccountID AccountID
	SaleRef   SaleID
	Kind      Kind
}

func (e *DuplicateMovementError) Error() string {
	return fmt.Sprintf("duplicate movement: account %s already has %s for sale %s",
		e.AccountID, e.Kind, e.SaleRef)
}

func (e *DuplicateMovementError) Unwrap() error { return ErrDuplicateMovement }

// DependentMovementError lists the movements that consumed credit from MovementID.
type DependentMovementError struct {
	MovementID MovementID
	Dependents []MovementID
}

func (e *DependentMovementError) Error() string {
	return fmt.Sprintf("movement %d is the credit source of %v; delete those first",
		e.MovementID, e.Dependents)
}

func (e *DependentMovementError) Unwrap() error { return ErrDependentMovementExists }

// ReplayDivergenceError carries the values that failed to converge.
type ReplayDivergenceError struct {
	AccountID AccountID
	Stored    decimal.Decimal
	Replayed  decimal.Decimal
	Details   []Correction
}

func (e *ReplayDivergenceError) Error() string {
	return fmt.Sprintf("replay divergence on account %s: stored %s, replayed %s (%d mismatches)",
		e.AccountID, e.Stored, e.Replayed, len(e.Details))
}

func (e *ReplayDivergenceError) Unwrap() error { return ErrReplayDivergence }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, receivables.ErrSaleRejected)
}

// IsConflict returns true for errors the caller must resolve before retrying.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateMovement) ||
		errors.Is(err, ErrDependentMovementExists) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrMovementNotFound) ||
		errors.Is(err, receivables.ErrSaleNotFound)
}
