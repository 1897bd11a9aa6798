/*
balance.go - Pure balance replay

PURPOSE:
  Given movements in (movement_date, id) order, stamp each one with
  balance_before / balance_after and return the final balance. Used on
  every append (to stamp the new movement), on full replay, and by the
  consistency check that drives reconciliation.

RULE:
  delta = Kind.Delta(amount)      (Credit: +amount, Debit: -amount,
                                   non-participating kinds: 0)
  balance_after  = balance_before + delta
  next.before    = previous.after

  No side effects. No floating point.

SEE ALSO:
  - kinds.go: the sign rule
  - credit.go: the pool replay that runs alongside this one
*/
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SortMovements orders movements by (movement_date, id) ascending.
// Same-instant movements resolve by insertion order, never by amount or kind.
func SortMovements(ms []Movement) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].MovementDate.Equal(ms[j].MovementDate) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].MovementDate.Before(ms[j].MovementDate)
	})
}

// Live drops soft-deleted movements.
func Live(ms []Movement) []Movement {
	out := make([]Movement, 0, len(ms))
	for _, m := range ms {
		if !m.IsDeleted() {
			out = append(out, m)
		}
	}
	return out
}

// Compute stamps ordered movements starting from a zero balance.
// The input slice is not modified.
func Compute(ordered []Movement) ([]Movement, decimal.Decimal) {
	stamped := make([]Movement, len(ordered))
	balance := decimal.Zero
	for i, m := range ordered {
		m.BalanceBefore = balance
		balance = balance.Add(m.Delta())
		m.BalanceAfter = balance
		stamped[i] = m
	}
	return stamped, balance
}

// BalanceAt sums the effect of every movement that sorts at or before at.
// A new movement dated at would be stamped with this as balance_before.
func BalanceAt(ordered []Movement, at time.Time) decimal.Decimal {
	balance := decimal.Zero
	for _, m := range ordered {
		if m.MovementDate.After(at) {
			break
		}
		balance = balance.Add(m.Delta())
	}
	return balance
}

// LastBalanceMovement returns the latest movement date that affects the balance.
func LastBalanceMovement(ordered []Movement) *time.Time {
	var last *time.Time
	for i := range ordered {
		if !ordered[i].Kind.Participates() {
			continue
		}
		d := ordered[i].MovementDate
		if last == nil || d.After(*last) {
			last = &d
		}
	}
	return last
}

// =============================================================================
// REPLAY RESULT
// =============================================================================

// ReplayResult is the corrected view of an account's history.
type ReplayResult struct {
	AccountID         AccountID
	Movements         []Movement
	FinalBalance      decimal.Decimal
	AccumulatedCredit decimal.Decimal
	LastMovementAt    *time.Time
}

// Cache returns the account cache implied by the replay.
func (r ReplayResult) Cache() Cache {
	return Cache{
		CurrentBalance:    r.FinalBalance,
		AccumulatedCredit: r.AccumulatedCredit,
		LastMovementAt:    r.LastMovementAt,
	}
}

// ReplayMovements runs the balance and pool replays over live movements.
func ReplayMovements(accountID AccountID, movements []Movement) ReplayResult {
	live := Live(movements)
	SortMovements(live)
	stamped, final := Compute(live)
	pool := ComputePool(live)
	return ReplayResult{
		AccountID:         accountID,
		Movements:         stamped,
		FinalBalance:      final,
		AccumulatedCredit: pool.Accumulated,
		LastMovementAt:    LastBalanceMovement(live),
	}
}

// =============================================================================
// CONSISTENCY CHECK
// =============================================================================

// Correction is one audited difference between stored and replayed state.
type Correction struct {
	Target string `json:"target"`
	Before string `json:"before"`
	After  string `json:"after"`
	Reason string `json:"reason"`
}

func (c Correction) String() string {
	return fmt.Sprintf("%s: %s -> %s (%s)", c.Target, c.Before, c.After, c.Reason)
}

// Check compares the stored account cache and movement snapshots with a
// replay. An empty result means the account is consistent.
func Check(acct Account, replay ReplayResult, stored []Movement) []Correction {
	var out []Correction

	if !WithinEpsilon(acct.CurrentBalance, replay.FinalBalance) {
		out = append(out, Correction{
			Target: "account.current_balance",
			Before: acct.CurrentBalance.StringFixed(Scale),
			After:  replay.FinalBalance.StringFixed(Scale),
			Reason: "stored balance differs from replay",
		})
	}
	if !WithinEpsilon(acct.AccumulatedCredit, replay.AccumulatedCredit) {
		out = append(out, Correction{
			Target: "account.accumulated_credit",
			Before: acct.AccumulatedCredit.StringFixed(Scale),
			After:  replay.AccumulatedCredit.StringFixed(Scale),
			Reason: "stored credit pool differs from replay",
		})
	}
	if !sameTime(acct.LastMovementAt, replay.LastMovementAt) {
		out = append(out, Correction{
			Target: "account.last_movement_at",
			Before: formatTime(acct.LastMovementAt),
			After:  formatTime(replay.LastMovementAt),
			Reason: "stored last movement date differs from replay",
		})
	}

	byID := make(map[MovementID]Movement, len(stored))
	for _, m := range stored {
		byID[m.ID] = m
	}
	for _, want := range replay.Movements {
		got, ok := byID[want.ID]
		if !ok {
			continue
		}
		if !WithinEpsilon(got.BalanceBefore, want.BalanceBefore) || !WithinEpsilon(got.BalanceAfter, want.BalanceAfter) {
			out = append(out, Correction{
				Target: fmt.Sprintf("movement[%d].snapshot", want.ID),
				Before: got.BalanceBefore.StringFixed(Scale) + " -> " + got.BalanceAfter.StringFixed(Scale),
				After:  want.BalanceBefore.StringFixed(Scale) + " -> " + want.BalanceAfter.StringFixed(Scale),
				Reason: "stale balance snapshot",
			})
		}
	}
	return out
}

// ChangedSnapshots returns replayed movements whose stored snapshot differs.
func ChangedSnapshots(replay ReplayResult, stored []Movement) []Movement {
	byID := make(map[MovementID]Movement, len(stored))
	for _, m := range stored {
		byID[m.ID] = m
	}
	var out []Movement
	for _, want := range replay.Movements {
		got, ok := byID[want.ID]
		if !ok || !got.BalanceBefore.Equal(want.BalanceBefore) || !got.BalanceAfter.Equal(want.BalanceAfter) {
			out = append(out, want)
		}
	}
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
