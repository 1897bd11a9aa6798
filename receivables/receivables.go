/*
Package receivables describes the per-sale view owned by the sales subsystem.

PURPOSE:
  The ledger never owns sales. It reads each customer's outstanding sales and,
  during reconciliation, corrects the paid amount of those sales so the view
  matches money the ledger says already arrived. The ledger is the source of
  truth; this view is corrected toward it, never the reverse.

CONTRACT:
  PendingSales: oldest-first, excluding rejected and fully paid sales.
  ApplyPayment: adds to paid_amount and returns the resulting status.

STATUS RULE:
  paid     when paid_amount >= total - epsilon
  partial  when 0 < paid_amount < total
  pending  otherwise
  rejected is terminal and set only by the sales subsystem (or an annulment).

SEE ALSO:
  - ledger/store.go: Tx exposes a transaction-bound View
  - reconcile/engine.go: the only caller of ApplyPayment outside payments
*/
package receivables

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon absorbs decimal rounding when comparing money.
var Epsilon = decimal.New(1, -2)

type SaleID string
type CustomerID string

type PaymentStatus string

const (
	StatusPending  PaymentStatus = "pending"
	StatusPartial  PaymentStatus = "partial"
	StatusPaid     PaymentStatus = "paid"
	StatusRejected PaymentStatus = "rejected"
)

var (
	// ErrSaleNotFound is returned when a sale id is unknown to the view.
	ErrSaleNotFound = errors.New("sale not found")

	// ErrSaleRejected is returned when a payment targets a rejected sale.
	ErrSaleRejected = errors.New("sale is rejected")

	// ErrForeignCustomer is returned when a view bound to one customer is
	// asked about another.
	ErrForeignCustomer = errors.New("customer outside the view")
)

// Sale is the sales subsystem's aggregate for one ticket.
type Sale struct {
	ID         SaleID
	CustomerID CustomerID
	Total      decimal.Decimal
	PaidAmount decimal.Decimal
	Status     PaymentStatus
	Date       time.Time
}

// Pending returns total - paid, clamped at zero.
func (s Sale) Pending() decimal.Decimal {
	p := s.Total.Sub(s.PaidAmount)
	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}

// PendingSale is one row of the outstanding list.
type PendingSale struct {
	SaleID  SaleID
	Pending decimal.Decimal
	Date    time.Time
}

// View is what the ledger requires from the sales subsystem.
type View interface {
	PendingSales(ctx context.Context, customerID CustomerID) ([]PendingSale, error)
	ApplyPayment(ctx context.Context, saleID SaleID, amount decimal.Decimal) (PaymentStatus, error)
}

// Rejecter is implemented by views that accept annulments from the ledger side.
type Rejecter interface {
	RejectSale(ctx context.Context, saleID SaleID) error
}

// Recorder is implemented by views that let the ledger register a sale it
// has just charged. RecordSale is a no-op when the sale already exists.
type Recorder interface {
	RecordSale(ctx context.Context, sale Sale) error
}

// Store is the sales subsystem's own persistence, used outside ledger
// transactions.
type Store interface {
	SaveSale(ctx context.Context, sale Sale) error
	GetSale(ctx context.Context, id SaleID) (Sale, error)
	ListSales(ctx context.Context, customerID CustomerID) ([]Sale, error)
}

// StatusFor derives the payment status from total and paid amount.
func StatusFor(total, paid decimal.Decimal) PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total.Sub(Epsilon)):
		return StatusPaid
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusPending
	}
}

// Apply adds amount to the sale's paid amount and recomputes its status.
// Overpayment is kept as-is; Pending clamps it to zero.
func Apply(s *Sale, amount decimal.Decimal) (PaymentStatus, error) {
	if s.Status == StatusRejected {
		return s.Status, fmt.Errorf("%w: %s", ErrSaleRejected, s.ID)
	}
	if !amount.IsPositive() {
		return s.Status, fmt.Errorf("payment amount must be positive, got %s", amount)
	}
	s.PaidAmount = s.PaidAmount.Add(amount)
	s.Status = StatusFor(s.Total, s.PaidAmount)
	return s.Status, nil
}

// IsOutstanding reports whether the sale belongs in PendingSales.
func (s Sale) IsOutstanding() bool {
	if s.Status == StatusRejected || s.Status == StatusPaid {
		return false
	}
	return s.Pending().GreaterThan(Epsilon.Div(decimal.NewFromInt(2)))
}

// ToPending filters and orders sales oldest-first. Ties on date resolve by id.
func ToPending(sales []Sale) []PendingSale {
	out := make([]PendingSale, 0, len(sales))
	for _, s := range sales {
		if !s.IsOutstanding() {
			continue
		}
		out = append(out, PendingSale{SaleID: s.ID, Pending: s.Pending(), Date: s.Date})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].SaleID < out[j].SaleID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// TotalPending sums the pending amounts.
func TotalPending(ps []PendingSale) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		total = total.Add(p.Pending)
	}
	return total
}

// Normalize validates a sale coming from the sales subsystem and derives its
// status from the amounts. A rejected sale stays rejected.
func Normalize(s Sale) (Sale, error) {
	if s.ID == "" || s.CustomerID == "" {
		return s, errors.New("sale id and customer id are required")
	}
	if !s.Total.IsPositive() {
		return s, fmt.Errorf("sale %s: total must be positive, got %s", s.ID, s.Total)
	}
	if s.PaidAmount.IsNegative() {
		return s, fmt.Errorf("sale %s: paid amount must not be negative", s.ID)
	}
	s.Total = s.Total.RoundBank(2)
	s.PaidAmount = s.PaidAmount.RoundBank(2)
	s.Date = s.Date.UTC()
	if s.Status != StatusRejected {
		s.Status = StatusFor(s.Total, s.PaidAmount)
	}
	return s, nil
}
