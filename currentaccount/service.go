/*
Package currentaccount is the business-event boundary of the ledger.

PURPOSE:
  Sales, payments, annulments, adjustments and credit operations arrive here
  as events. Each one becomes exactly one ledger movement, appended inside
  the account's transaction together with any receivables update it implies,
  so the ledger and the sales view never drift because of a partial write.

EVENT -> MOVEMENT:
  RegisterSale     sale                   (+amount)  records the receivable
  RegisterPayment  account_payment or     (-amount)  applies to the sale
                   adjustment_in_favor
  AnnulSale        sale_annulment         (-sale)    rejects the receivable
  Adjust           adjustment_in_favor / adjustment_against
  GrantCredit      credit_granted or deposit_to_account   (pool only)
  ConsumeCredit    credit_used            (-amount)  pool first, excess as payment

SEE ALSO:
  - ledger/kinds.go: directions and pool roles
  - reconcile/engine.go: corrects the receivables view after the fact
*/
package currentaccount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/metrics"
	"github.com/warp/account-ledger/receivables"
	"github.com/warp/account-ledger/reconcile"
	"go.uber.org/zap"
)

// Service exposes the current-account operations.
type Service struct {
	ledger  *ledger.Ledger
	engine  *reconcile.Engine
	sweeper *reconcile.Sweeper
	sales   receivables.Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Config wires a Service. Sweeper and Sales are optional.
type Config struct {
	Ledger  *ledger.Ledger
	Engine  *reconcile.Engine
	Sweeper *reconcile.Sweeper
	Sales   receivables.Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:  cfg.Ledger,
		engine:  cfg.Engine,
		sweeper: cfg.Sweeper,
		sales:   cfg.Sales,
		log:     log.Named("currentaccount"),
		metrics: cfg.Metrics,
	}
}

// =============================================================================
// INPUTS
// =============================================================================

type SaleInput struct {
	AccountID ledger.AccountID
	SaleID    ledger.SaleID
	Amount    decimal.Decimal
	Date      time.Time
}

type PaymentInput struct {
	AccountID ledger.AccountID
	SaleID    ledger.SaleID // optional
	Amount    decimal.Decimal
	Date      time.Time

	// Kind defaults to account_payment. Only payment kinds are accepted.
	Kind ledger.Kind

	// Force allows a further payment on a sale that already has one.
	Force bool
	Notes string
}

type AnnulInput struct {
	AccountID ledger.AccountID
	SaleID    ledger.SaleID
	Date      time.Time
	Notes     string
}

type AdjustInput struct {
	AccountID ledger.AccountID
	InFavor   bool
	Amount    decimal.Decimal
	Date      time.Time
	SaleID    ledger.SaleID // optional
	Notes     string
}

type GrantInput struct {
	AccountID ledger.AccountID
	Amount    decimal.Decimal
	Date      time.Time
	Notes     string

	// Deposit records the funds as deposit_to_account instead of credit_granted.
	Deposit bool
}

type ConsumeInput struct {
	AccountID ledger.AccountID
	Amount    decimal.Decimal
	Date      time.Time
	SaleID    ledger.SaleID // optional
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Service) OpenAccount(ctx context.Context, customerID ledger.CustomerID, creditLimit *decimal.Decimal) (ledger.Account, error) {
	return s.ledger.OpenAccount(ctx, customerID, creditLimit)
}

func (s *Service) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return s.ledger.Store().GetAccount(ctx, id)
}

func (s *Service) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return s.ledger.Store().ListAccounts(ctx)
}

// GetBalance returns current balance, accumulated and available credit.
func (s *Service) GetBalance(ctx context.Context, id ledger.AccountID) (ledger.BalanceSummary, error) {
	return s.ledger.Balance(ctx, id)
}

// Movements lists the account's movements in ledger order.
func (s *Service) Movements(ctx context.Context, id ledger.AccountID, includeDeleted bool) ([]ledger.Movement, error) {
	return s.ledger.Store().Movements(ctx, id, includeDeleted)
}

// =============================================================================
// BUSINESS EVENTS
// =============================================================================

// RegisterSale charges a sale to the account and registers the receivable
// when the sales view accepts it.
func (s *Service) RegisterSale(ctx context.Context, in SaleInput) (ledger.Movement, error) {
	if in.SaleID == "" {
		return ledger.Movement{}, fmt.Errorf("%w: sale id required", ledger.ErrInvalidInput)
	}
	tracker := s.metrics.Track("register_sale")
	var out ledger.Movement
	err := s.ledger.Store().WithAccountTx(ctx, in.AccountID, func(tx ledger.Tx) error {
		m, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			AccountID:    in.AccountID,
			Kind:         ledger.KindSale,
			Amount:       in.Amount,
			MovementDate: in.Date,
			SaleRef:      in.SaleID,
		})
		if err != nil {
			return err
		}
		if rec, ok := tx.Receivables().(receivables.Recorder); ok {
			if err := rec.RecordSale(ctx, receivables.Sale{ID: in.SaleID, Total: m.Amount, Date: m.MovementDate}); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	return out, tracker.End(err)
}

// RegisterPayment records money received. With a sale id, the payment is
// also applied to that sale in the same transaction.
func (s *Service) RegisterPayment(ctx context.Context, in PaymentInput) (ledger.Movement, error) {
	kind := in.Kind
	if kind == "" {
		kind = ledger.KindAccountPayment
	}
	if kind != ledger.KindAccountPayment && kind != ledger.KindAdjustmentInFavor {
		return ledger.Movement{}, fmt.Errorf("%w: %s is not a payment kind", ledger.ErrInvalidKind, kind)
	}
	tracker := s.metrics.Track("register_payment")
	var out ledger.Movement
	err := s.ledger.Store().WithAccountTx(ctx, in.AccountID, func(tx ledger.Tx) error {
		m, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			AccountID:    in.AccountID,
			Kind:         kind,
			Amount:       in.Amount,
			MovementDate: in.Date,
			SaleRef:      in.SaleID,
			Metadata:     notes(in.Notes),
			Force:        in.Force,
		})
		if err != nil {
			return err
		}
		if in.SaleID != "" {
			if _, err := tx.Receivables().ApplyPayment(ctx, in.SaleID, m.Amount); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	return out, tracker.End(err)
}

// AnnulSale reverses the sale's original charge and rejects the receivable.
func (s *Service) AnnulSale(ctx context.Context, in AnnulInput) (ledger.Movement, error) {
	if in.SaleID == "" {
		return ledger.Movement{}, fmt.Errorf("%w: sale id required", ledger.ErrInvalidInput)
	}
	tracker := s.metrics.Track("annul_sale")
	var out ledger.Movement
	err := s.ledger.Store().WithAccountTx(ctx, in.AccountID, func(tx ledger.Tx) error {
		sale, err := tx.FindMovement(ctx, in.SaleID, ledger.KindSale)
		if err != nil {
			return err
		}
		m, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			AccountID:    in.AccountID,
			Kind:         ledger.KindSaleAnnulment,
			Amount:       sale.Amount,
			MovementDate: in.Date,
			SaleRef:      in.SaleID,
			Metadata:     notes(in.Notes),
		})
		if err != nil {
			return err
		}
		if rej, ok := tx.Receivables().(receivables.Rejecter); ok {
			err := rej.RejectSale(ctx, in.SaleID)
			if err != nil && !errors.Is(err, receivables.ErrSaleNotFound) {
				return err
			}
		}
		out = m
		return nil
	})
	return out, tracker.End(err)
}

// Adjust records a manual correction in either direction.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (ledger.Movement, error) {
	kind := ledger.KindAdjustmentAgainst
	if in.InFavor {
		kind = ledger.KindAdjustmentInFavor
	}
	tracker := s.metrics.Track("adjust")
	m, err := s.ledger.Append(ctx, ledger.AppendInput{
		AccountID:    in.AccountID,
		Kind:         kind,
		Amount:       in.Amount,
		MovementDate: in.Date,
		SaleRef:      in.SaleID,
		Metadata:     notes(in.Notes),
	})
	if err == nil {
		s.log.Info("manual adjustment",
			zap.String("account_id", string(in.AccountID)),
			zap.String("kind", string(kind)),
			zap.String("amount", m.Amount.StringFixed(ledger.Scale)),
			zap.String("notes", in.Notes))
	}
	return m, tracker.End(err)
}

// GrantCredit adds funds to the accumulated credit pool.
func (s *Service) GrantCredit(ctx context.Context, in GrantInput) (ledger.Movement, error) {
	kind := ledger.KindCreditGranted
	if in.Deposit {
		kind = ledger.KindDepositToAccount
	}
	tracker := s.metrics.Track("grant_credit")
	m, err := s.ledger.Append(ctx, ledger.AppendInput{
		AccountID:    in.AccountID,
		Kind:         kind,
		Amount:       in.Amount,
		MovementDate: in.Date,
		Metadata:     notes(in.Notes),
	})
	return m, tracker.End(err)
}

// ConsumeCredit spends credit. The pool covers what it can; the rest lowers
// the balance as an ordinary payment. With a sale id the full amount is
// applied to that sale.
func (s *Service) ConsumeCredit(ctx context.Context, in ConsumeInput) (ledger.Movement, error) {
	tracker := s.metrics.Track("consume_credit")
	var out ledger.Movement
	err := s.ledger.Store().WithAccountTx(ctx, in.AccountID, func(tx ledger.Tx) error {
		m, err := s.ledger.AppendTx(ctx, tx, ledger.AppendInput{
			AccountID:    in.AccountID,
			Kind:         ledger.KindCreditUsed,
			Amount:       in.Amount,
			MovementDate: in.Date,
			SaleRef:      in.SaleID,
		})
		if err != nil {
			return err
		}
		if in.SaleID != "" {
			if _, err := tx.Receivables().ApplyPayment(ctx, in.SaleID, m.Amount); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	return out, tracker.End(err)
}

// DeleteMovement soft-deletes a movement and restamps the account.
func (s *Service) DeleteMovement(ctx context.Context, id ledger.MovementID) error {
	tracker := s.metrics.Track("delete_movement")
	err := s.ledger.Delete(ctx, id)
	if err == nil {
		s.log.Info("movement deleted", zap.Int64("movement_id", int64(id)))
	}
	return tracker.End(err)
}

func notes(n string) *ledger.Metadata {
	if n == "" {
		return nil
	}
	return &ledger.Metadata{Notes: n}
}

// =============================================================================
// REPAIR AND RECONCILIATION
// =============================================================================

// ReplayOutcome is the corrected ledger and, when applied, what changed.
type ReplayOutcome struct {
	Replay      ledger.ReplayResult
	Corrections []ledger.Correction
	Applied     bool
}

// Replay recomputes the account's ledger. With apply, stale snapshots and
// the account cache are overwritten with the replayed values.
func (s *Service) Replay(ctx context.Context, id ledger.AccountID, apply bool) (ReplayOutcome, error) {
	tracker := s.metrics.Track("replay")
	if !apply {
		acct, err := s.ledger.Store().GetAccount(ctx, id)
		if err != nil {
			return ReplayOutcome{}, tracker.End(err)
		}
		stored, err := s.ledger.Store().Movements(ctx, id, false)
		if err != nil {
			return ReplayOutcome{}, tracker.End(err)
		}
		replay := ledger.ReplayMovements(id, stored)
		return ReplayOutcome{Replay: replay, Corrections: ledger.Check(acct, replay, stored)}, tracker.End(nil)
	}

	var out ReplayOutcome
	err := s.ledger.Store().WithAccountTx(ctx, id, func(tx ledger.Tx) error {
		corrections, err := s.ledger.RestampTx(ctx, tx, "manual replay")
		if err != nil {
			return err
		}
		stored, err := tx.Movements(ctx, false)
		if err != nil {
			return err
		}
		out = ReplayOutcome{Replay: ledger.ReplayMovements(id, stored), Corrections: corrections, Applied: true}
		return nil
	})
	if err == nil && len(out.Corrections) > 0 {
		s.log.Info("replay applied", zap.String("account_id", string(id)), zap.Any("corrections", out.Corrections))
	}
	return out, tracker.End(err)
}

func (s *Service) Reconcile(ctx context.Context, id ledger.AccountID) (reconcile.Report, error) {
	return s.engine.Reconcile(ctx, id)
}

func (s *Service) Diagnose(ctx context.Context, id ledger.AccountID) (reconcile.Report, error) {
	return s.engine.Diagnose(ctx, id)
}

func (s *Service) Reconciliations(ctx context.Context, id ledger.AccountID, limit int) ([]reconcile.Run, error) {
	return s.engine.Runs(ctx, id, limit)
}

// Sweep reconciles every account now.
func (s *Service) Sweep(ctx context.Context) (reconcile.SweepResult, error) {
	if s.sweeper == nil {
		return reconcile.SweepResult{}, errors.New("sweeper not configured")
	}
	return s.sweeper.Sweep(ctx)
}

// =============================================================================
// SALES STAND-IN
// =============================================================================

// ErrNoSalesStore is returned when no sales store is wired.
var ErrNoSalesStore = errors.New("sales store not configured")

// SaveSale creates or replaces a receivable in the sales subsystem.
func (s *Service) SaveSale(ctx context.Context, sale receivables.Sale) (receivables.Sale, error) {
	if s.sales == nil {
		return receivables.Sale{}, ErrNoSalesStore
	}
	sale, err := receivables.Normalize(sale)
	if err != nil {
		return receivables.Sale{}, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
	}
	if err := s.sales.SaveSale(ctx, sale); err != nil {
		return receivables.Sale{}, err
	}
	return sale, nil
}

func (s *Service) ListSales(ctx context.Context, customerID receivables.CustomerID) ([]receivables.Sale, error) {
	if s.sales == nil {
		return nil, ErrNoSalesStore
	}
	return s.sales.ListSales(ctx, customerID)
}
