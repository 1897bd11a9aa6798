/*
Package ledger provides the customer current-account ledger.

PURPOSE:
  An append-only record of movements against a customer's running balance,
  plus a separate pool of accumulated credit. The stored balance on the
  account is a cache: it is always recomputable by replaying the account's
  non-deleted movements in (movement_date, id) order.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: one per customer, carries the cached balance and credit pool
  - Movement: a single ledger entry with before/after balance snapshots
  - Metadata: provenance of credit consumed from the pool
  - Money helpers: 2-digit scale, banker's rounding, 0.01 epsilon

SIGN CONVENTION:
  Positive balance = the customer owes money.
  Negative balance = the customer has a balance in their favor.
  The sign of a movement comes from its Kind, never from the amount.

SEE ALSO:
  - kinds.go: closed catalog of movement kinds
  - balance.go: pure replay of balances
  - credit.go: accumulated credit pool
  - ledger.go: append/delete/replay operations
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/receivables"
)

// =============================================================================
// MONEY
// =============================================================================

// Scale is the number of decimal places kept for money.
const Scale = 2

// Epsilon is the tolerance used for every balance comparison.
var Epsilon = receivables.Epsilon

// RoundMoney applies banker's rounding at money scale.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// WithinEpsilon reports whether a and b differ by no more than Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// MustMoney parses a decimal string, panicking on malformed input.
// Use in tests and for compile-time constants only.
func MustMoney(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type MovementID int64

type CustomerID = receivables.CustomerID
type SaleID = receivables.SaleID

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a customer's current account.
//
// CurrentBalance, AccumulatedCredit and LastMovementAt are a materialized
// cache of the movement history. They are written only by Append, Delete and
// full replay; nothing else assigns them.
type Account struct {
	ID         AccountID
	CustomerID CustomerID

	// CreditLimit is informational; nil means unlimited.
	CreditLimit *decimal.Decimal

	CurrentBalance    decimal.Decimal
	AccumulatedCredit decimal.Decimal
	LastMovementAt    *time.Time

	// Version increments on every cache write. Reconciliation uses it to
	// notice concurrent mutations between batches.
	Version   int64
	CreatedAt time.Time
}

// AvailableCredit is max(0, -balance) + accumulated credit.
func (a Account) AvailableCredit() decimal.Decimal {
	return AvailableCredit(a.CurrentBalance, a.AccumulatedCredit)
}

// OverLimit reports whether the balance exceeds the credit limit.
// Purely informational: writes are never blocked by it.
func (a Account) OverLimit() bool {
	if a.CreditLimit == nil {
		return false
	}
	return a.CurrentBalance.Sub(*a.CreditLimit).GreaterThan(Epsilon)
}

// Cache is the recomputable part of an Account.
type Cache struct {
	CurrentBalance    decimal.Decimal
	AccumulatedCredit decimal.Decimal
	LastMovementAt    *time.Time
}

// =============================================================================
// MOVEMENT
// =============================================================================

// Movement is a single ledger entry.
type Movement struct {
	ID        MovementID
	AccountID AccountID
	Kind      Kind

	// Amount is always positive. Its effect comes from Kind.
	Amount decimal.Decimal

	// Snapshots are recomputed on replay and are not authoritative.
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	// MovementDate is the logical effective date; back-dating is allowed.
	MovementDate time.Time

	// SaleRef links the movement to its originating sale, empty if none.
	SaleRef SaleID

	Metadata *Metadata

	CreatedAt time.Time
	DeletedAt *time.Time
}

// IsDeleted reports whether the movement was soft-deleted.
func (m Movement) IsDeleted() bool { return m.DeletedAt != nil }

// Delta returns the signed balance effect of the movement.
func (m Movement) Delta() decimal.Decimal { return m.Kind.Delta(m.Amount) }

// Metadata annotates a movement.
type Metadata struct {
	// CreditFromAccumulated is how much of this movement was satisfied from
	// the credit pool. Consuming movements without it are legacy rows and
	// are replayed by simulation.
	CreditFromAccumulated *decimal.Decimal `json:"credit_from_accumulated,omitempty"`

	// CreditSources names the accumulating movements the credit came from.
	CreditSources []CreditSource `json:"credit_sources,omitempty"`

	Notes  string `json:"notes,omitempty"`
	Forced bool   `json:"forced,omitempty"`
}

// CreditSource is one slice of consumed credit and the grant it came from.
type CreditSource struct {
	MovementID MovementID      `json:"movement_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// HasExplicitCredit reports whether the credit consumption is recorded.
func (m Movement) HasExplicitCredit() bool {
	return m.Metadata != nil && m.Metadata.CreditFromAccumulated != nil
}

// DependsOn reports whether this movement consumed credit from source.
func (m Movement) DependsOn(source MovementID) bool {
	if m.Metadata == nil {
		return false
	}
	for _, cs := range m.Metadata.CreditSources {
		if cs.MovementID == source {
			return true
		}
	}
	return false
}

// =============================================================================
// BALANCE SUMMARY
// =============================================================================

// BalanceSummary is what GetBalance returns.
type BalanceSummary struct {
	AccountID         AccountID
	CustomerID        CustomerID
	CurrentBalance    decimal.Decimal
	AccumulatedCredit decimal.Decimal
	AvailableCredit   decimal.Decimal
	CreditLimit       *decimal.Decimal
	OverLimit         bool
	LastMovementAt    *time.Time
}

// Summary builds the balance summary from the account cache.
func (a Account) Summary() BalanceSummary {
	return BalanceSummary{
		AccountID:         a.ID,
		CustomerID:        a.CustomerID,
		CurrentBalance:    a.CurrentBalance,
		AccumulatedCredit: a.AccumulatedCredit,
		AvailableCredit:   a.AvailableCredit(),
		CreditLimit:       a.CreditLimit,
		OverLimit:         a.OverLimit(),
		LastMovementAt:    a.LastMovementAt,
	}
}
