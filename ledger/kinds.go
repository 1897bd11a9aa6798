package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIRECTION
// =============================================================================

// Direction is fixed per Kind. Credit raises what the customer owes, Debit
// lowers it. This is the only place the sign rule is written down.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// PoolRole says how a kind interacts with the accumulated credit pool.
type PoolRole int

const (
	PoolNone PoolRole = iota
	PoolAccumulates
	PoolConsumes
)

func (p PoolRole) String() string {
	switch p {
	case PoolAccumulates:
		return "accumulates"
	case PoolConsumes:
		return "consumes"
	default:
		return "none"
	}
}

// =============================================================================
// KIND - closed catalog of movement kinds
// =============================================================================

// Kind identifies a movement type. Strings are resolved to a Kind only at the
// storage and API boundary (ParseKind); business logic switches on Kind.
type Kind string

const (
	KindSale              Kind = "sale"
	KindSaleAnnulment     Kind = "sale_annulment"
	KindAccountPayment    Kind = "account_payment"
	KindAdjustmentAgainst Kind = "adjustment_against"
	KindAdjustmentInFavor Kind = "adjustment_in_favor"
	KindCreditGranted     Kind = "credit_granted"
	KindDepositToAccount  Kind = "deposit_to_account"
	KindCreditUsed        Kind = "credit_used"
	KindNote              Kind = "note"
)

// KindInfo is the immutable definition of a Kind.
type KindInfo struct {
	Kind      Kind
	Name      string
	Direction Direction

	// Participates is false for kinds that are recorded but do not move the
	// balance: notes, and funds parked in the credit pool.
	Participates bool
	Pool         PoolRole
}

// Pool funds are counted once, in accumulated credit, so the accumulating
// kinds stay out of the balance. adjustment_in_favor lowers the balance
// directly and never enters the pool.
var catalog = map[Kind]KindInfo{
	KindSale:              {KindSale, "Sale", Credit, true, PoolNone},
	KindSaleAnnulment:     {KindSaleAnnulment, "Sale annulment", Debit, true, PoolNone},
	KindAccountPayment:    {KindAccountPayment, "Account payment", Debit, true, PoolNone},
	KindAdjustmentAgainst: {KindAdjustmentAgainst, "Adjustment against", Credit, true, PoolNone},
	KindAdjustmentInFavor: {KindAdjustmentInFavor, "Adjustment in favor", Debit, true, PoolNone},
	KindCreditGranted:     {KindCreditGranted, "Credit granted", Credit, false, PoolAccumulates},
	KindDepositToAccount:  {KindDepositToAccount, "Deposit to account", Credit, false, PoolAccumulates},
	KindCreditUsed:        {KindCreditUsed, "Credit used", Debit, true, PoolConsumes},
	KindNote:              {KindNote, "Note", Credit, false, PoolNone},
}

// Info returns the catalog entry for k.
func (k Kind) Info() (KindInfo, bool) {
	info, ok := catalog[k]
	return info, ok
}

// Valid reports whether k is in the catalog.
func (k Kind) Valid() bool {
	_, ok := catalog[k]
	return ok
}

func (k Kind) Direction() Direction { return catalog[k].Direction }
func (k Kind) Participates() bool   { return catalog[k].Participates }
func (k Kind) Accumulates() bool    { return catalog[k].Pool == PoolAccumulates }
func (k Kind) Consumes() bool       { return catalog[k].Pool == PoolConsumes }

// Delta is the signed balance effect of amount for this kind.
// Non-participating kinds have no effect.
func (k Kind) Delta(amount decimal.Decimal) decimal.Decimal {
	info, ok := catalog[k]
	if !ok || !info.Participates {
		return decimal.Zero
	}
	if info.Direction == Credit {
		return amount
	}
	return amount.Neg()
}

// ParseKind resolves a stored or user-provided name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// Kinds lists the catalog sorted by kind.
func Kinds() []KindInfo {
	out := make([]KindInfo, 0, len(catalog))
	for _, info := range catalog {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
