/*
credit.go - Accumulated credit pool

PURPOSE:
  Accumulated credit is funds held for the customer that are not yet applied
  to the balance (credit granted, deposits to account). It is a derived
  aggregate, never an editable field: the account's cached value is always
  the result of ComputePool over live movements.

REPLAY:
  Movements are walked in (movement_date, id) order.
  - Accumulating kinds push a FIFO slot of their full amount.
  - Consuming kinds with metadata.credit_from_accumulated subtract exactly
    that amount, first from the slots named in credit_sources, then FIFO.
  - Consuming kinds without metadata are legacy rows: consumption is
    simulated as min(amount, max(0, running_pool)), taken FIFO.
  accumulated_credit = max(0, total_accumulated - total_consumed)

  For movements written by ConsumeCredit the two paths agree: the recorded
  amount is exactly what the simulation would take at that position.

AVAILABLE CREDIT:
  available = max(0, -balance) + accumulated_credit
  Pool funds do not move the balance, so the two terms never count the same
  money twice.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolState is the result of replaying the pool.
type PoolState struct {
	TotalAccumulated decimal.Decimal
	TotalConsumed    decimal.Decimal
	Accumulated      decimal.Decimal

	// Slots holds the unconsumed remainder of each accumulating movement,
	// oldest first.
	Slots []PoolSlot
}

// PoolSlot is the remaining part of one accumulating movement.
type PoolSlot struct {
	MovementID MovementID
	Date       time.Time
	Remaining  decimal.Decimal
}

// ComputePool replays the credit pool over live, ordered movements.
func ComputePool(ordered []Movement) PoolState {
	st := PoolState{
		TotalAccumulated: decimal.Zero,
		TotalConsumed:    decimal.Zero,
	}
	for _, m := range ordered {
		if m.IsDeleted() {
			continue
		}
		switch {
		case m.Kind.Accumulates():
			st.TotalAccumulated = st.TotalAccumulated.Add(m.Amount)
			st.Slots = append(st.Slots, PoolSlot{MovementID: m.ID, Date: m.MovementDate, Remaining: m.Amount})
		case m.Kind.Consumes():
			if m.HasExplicitCredit() {
				want := *m.Metadata.CreditFromAccumulated
				st.TotalConsumed = st.TotalConsumed.Add(want)
				st.drain(want, m.Metadata.CreditSources)
			} else {
				consumed := decimal.Min(m.Amount, decimal.Max(decimal.Zero, st.running()))
				st.TotalConsumed = st.TotalConsumed.Add(consumed)
				st.drain(consumed, nil)
			}
		}
	}
	st.Accumulated = decimal.Max(decimal.Zero, st.TotalAccumulated.Sub(st.TotalConsumed))
	st.compact()
	return st
}

// running is the pool before the next consumption. It can go negative when
// explicit metadata recorded more than the pool held; callers clamp it.
func (st *PoolState) running() decimal.Decimal {
	return st.TotalAccumulated.Sub(st.TotalConsumed)
}

// drain removes amount from the slots, preferring the named sources.
func (st *PoolState) drain(amount decimal.Decimal, preferred []CreditSource) {
	left := amount
	for _, src := range preferred {
		for i := range st.Slots {
			if st.Slots[i].MovementID != src.MovementID {
				continue
			}
			take := decimal.Min(src.Amount, st.Slots[i].Remaining, left)
			if take.IsPositive() {
				st.Slots[i].Remaining = st.Slots[i].Remaining.Sub(take)
				left = left.Sub(take)
			}
		}
	}
	for i := range st.Slots {
		if !left.IsPositive() {
			return
		}
		take := decimal.Min(st.Slots[i].Remaining, left)
		if take.IsPositive() {
			st.Slots[i].Remaining = st.Slots[i].Remaining.Sub(take)
			left = left.Sub(take)
		}
	}
}

func (st *PoolState) compact() {
	out := st.Slots[:0]
	for _, s := range st.Slots {
		if s.Remaining.IsPositive() {
			out = append(out, s)
		}
	}
	st.Slots = out
}

// PlanConsumption decides how much of a new consuming movement of amount,
// dated at, is covered by the pool and which grants it comes from.
// Only grants dated at or before the consumption are eligible. The excess
// beyond the pool is not lost: the movement still lowers the balance by its
// full amount, as an ordinary payment.
func PlanConsumption(ordered []Movement, at time.Time, amount decimal.Decimal) (decimal.Decimal, []CreditSource) {
	st := ComputePool(ordered)
	left := amount
	var sources []CreditSource
	for _, slot := range st.Slots {
		if !left.IsPositive() {
			break
		}
		if slot.Date.After(at) {
			continue
		}
		take := decimal.Min(slot.Remaining, left)
		sources = append(sources, CreditSource{MovementID: slot.MovementID, Amount: take})
		left = left.Sub(take)
	}
	return amount.Sub(left), sources
}

// AvailableCredit is max(0, -balance) + accumulated.
func AvailableCredit(balance, accumulated decimal.Decimal) decimal.Decimal {
	favor := decimal.Zero
	if balance.IsNegative() {
		favor = balance.Neg()
	}
	return favor.Add(decimal.Max(decimal.Zero, accumulated))
}
