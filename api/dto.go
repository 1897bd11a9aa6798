/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger's
  domain types from the external contract. Money is always a string with two
  decimals ("300.00"); timestamps are RFC 3339 in UTC.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags, checked by decode() in
  handlers.go before any domain call. Business rules (positive amounts,
  known kinds, duplicates) stay in the domain and map to 400/409.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/receivables"
)

// =============================================================================
// REQUESTS
// =============================================================================

// OpenAccountRequest opens a customer's account.
type OpenAccountRequest struct {
	CustomerID  string  `json:"customer_id" validate:"required,max=64"`
	CreditLimit *string `json:"credit_limit" validate:"omitempty,numeric"`
}

// SaleRequest charges a sale to the account.
type SaleRequest struct {
	SaleID string `json:"sale_id" validate:"required,max=64"`
	Amount string `json:"amount" validate:"required,numeric"`
	Date   string `json:"date"`
}

// PaymentRequest records money received.
type PaymentRequest struct {
	SaleID string `json:"sale_id" validate:"omitempty,max=64"`
	Amount string `json:"amount" validate:"required,numeric"`
	Date   string `json:"date"`
	Kind   string `json:"kind" validate:"omitempty,oneof=account_payment adjustment_in_favor"`
	Force  bool   `json:"force"`
	Notes  string `json:"notes" validate:"max=500"`
}

// AnnulRequest annuls a previously charged sale.
type AnnulRequest struct {
	SaleID string `json:"sale_id" validate:"required,max=64"`
	Date   string `json:"date"`
	Notes  string `json:"notes" validate:"max=500"`
}

// AdjustmentRequest is a manual correction.
type AdjustmentRequest struct {
	Direction string `json:"direction" validate:"required,oneof=in_favor against"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Date      string `json:"date"`
	SaleID    string `json:"sale_id" validate:"omitempty,max=64"`
	Notes     string `json:"notes" validate:"required,max=500"`
}

// GrantCreditRequest adds funds to the credit pool.
type GrantCreditRequest struct {
	Amount  string `json:"amount" validate:"required,numeric"`
	Date    string `json:"date"`
	Notes   string `json:"notes" validate:"max=500"`
	Deposit bool   `json:"deposit"`
}

// ConsumeCreditRequest spends credit, optionally against a sale.
type ConsumeCreditRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Date   string `json:"date"`
	SaleID string `json:"sale_id" validate:"omitempty,max=64"`
}

// CreateSaleRequest registers a receivable in the sales stand-in.
type CreateSaleRequest struct {
	ID         string `json:"id" validate:"required,max=64"`
	CustomerID string `json:"customer_id" validate:"required,max=64"`
	Total      string `json:"total" validate:"required,numeric"`
	PaidAmount string `json:"paid_amount" validate:"omitempty,numeric"`
	Date       string `json:"date"`
}

// LoadScenarioRequest names a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// AccountDTO represents an account with its balance cache.
type AccountDTO struct {
	ID                string  `json:"id"`
	CustomerID        string  `json:"customer_id"`
	CreditLimit       *string `json:"credit_limit"`
	CurrentBalance    string  `json:"current_balance"`
	AccumulatedCredit string  `json:"accumulated_credit"`
	AvailableCredit   string  `json:"available_credit"`
	OverLimit         bool    `json:"over_limit"`
	LastMovementAt    *string `json:"last_movement_at"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"created_at"`
}

// BalanceDTO is the GetBalance response.
type BalanceDTO struct {
	AccountID         string  `json:"account_id"`
	CustomerID        string  `json:"customer_id"`
	CurrentBalance    string  `json:"current_balance"`
	AccumulatedCredit string  `json:"accumulated_credit"`
	AvailableCredit   string  `json:"available_credit"`
	CreditLimit       *string `json:"credit_limit"`
	OverLimit         bool    `json:"over_limit"`
	LastMovementAt    *string `json:"last_movement_at"`
}

// MovementDTO represents a ledger movement.
type MovementDTO struct {
	ID            int64            `json:"id"`
	AccountID     string           `json:"account_id"`
	Kind          string           `json:"kind"`
	Direction     string           `json:"direction"`
	Amount        string           `json:"amount"`
	BalanceBefore string           `json:"balance_before"`
	BalanceAfter  string           `json:"balance_after"`
	MovementDate  string           `json:"movement_date"`
	SaleRef       string           `json:"sale_ref,omitempty"`
	Metadata      *ledger.Metadata `json:"metadata,omitempty"`
	CreatedAt     string           `json:"created_at"`
	DeletedAt     *string          `json:"deleted_at,omitempty"`
}

// SaleDTO represents a receivable.
type SaleDTO struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Total      string `json:"total"`
	PaidAmount string `json:"paid_amount"`
	Pending    string `json:"pending"`
	Status     string `json:"status"`
	Date       string `json:"date"`
}

// ReplayDTO is the corrected ledger.
type ReplayDTO struct {
	AccountID         string              `json:"account_id"`
	FinalBalance      string              `json:"final_balance"`
	AccumulatedCredit string              `json:"accumulated_credit"`
	Applied           bool                `json:"applied"`
	Movements         []MovementDTO       `json:"movements"`
	Corrections       []ledger.Correction `json:"corrections"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.Scale)
}

func moneyPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := money(*d)
	return &s
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:                string(a.ID),
		CustomerID:        string(a.CustomerID),
		CreditLimit:       moneyPtr(a.CreditLimit),
		CurrentBalance:    money(a.CurrentBalance),
		AccumulatedCredit: money(a.AccumulatedCredit),
		AvailableCredit:   money(a.AvailableCredit()),
		OverLimit:         a.OverLimit(),
		LastMovementAt:    timestampPtr(a.LastMovementAt),
		Version:           a.Version,
		CreatedAt:         timestamp(a.CreatedAt),
	}
}

func toBalanceDTO(b ledger.BalanceSummary) BalanceDTO {
	return BalanceDTO{
		AccountID:         string(b.AccountID),
		CustomerID:        string(b.CustomerID),
		CurrentBalance:    money(b.CurrentBalance),
		AccumulatedCredit: money(b.AccumulatedCredit),
		AvailableCredit:   money(b.AvailableCredit),
		CreditLimit:       moneyPtr(b.CreditLimit),
		OverLimit:         b.OverLimit,
		LastMovementAt:    timestampPtr(b.LastMovementAt),
	}
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{
		ID:            int64(m.ID),
		AccountID:     string(m.AccountID),
		Kind:          string(m.Kind),
		Direction:     string(m.Kind.Direction()),
		Amount:        money(m.Amount),
		BalanceBefore: money(m.BalanceBefore),
		BalanceAfter:  money(m.BalanceAfter),
		MovementDate:  timestamp(m.MovementDate),
		SaleRef:       string(m.SaleRef),
		Metadata:      m.Metadata,
		CreatedAt:     timestamp(m.CreatedAt),
		DeletedAt:     timestampPtr(m.DeletedAt),
	}
}

func toMovementDTOs(ms []ledger.Movement) []MovementDTO {
	out := make([]MovementDTO, len(ms))
	for i, m := range ms {
		out[i] = toMovementDTO(m)
	}
	return out
}

func toSaleDTO(s receivables.Sale) SaleDTO {
	return SaleDTO{
		ID:         string(s.ID),
		CustomerID: string(s.CustomerID),
		Total:      money(s.Total),
		PaidAmount: money(s.PaidAmount),
		Pending:    money(s.Pending()),
		Status:     string(s.Status),
		Date:       timestamp(s.Date),
	}
}
