/*
engine.go - Reconciliation state machine

PURPOSE:
  Detects divergence between the ledger and the receivables view and corrects
  it. The ledger is the source of truth: the receivables view is corrected
  toward it, never the reverse, and no ledger movement is ever created here.

STATES:
  consistent             replay matches the cache; nothing to allocate
  underallocated_credit  pending sales exceed the balance: money arrived on
                         the account but was never attributed to sales
  inconsistent           replay disagrees with the stored cache or with a
                         stored movement snapshot

FLOW:
  1. Under the account lock: replay. If inconsistent, run the full replay
     correction (ledger.RestampTx) and re-verify.
  2. unallocated = sum(pending) - current_balance
  3. While unallocated > epsilon and sales are pending: allocate one batch,
     oldest sale first, in its own transaction. Each batch re-reads the
     account version and the pending list before acting.
  4. Persist the run report.

  Example: pending [S1: 100, S2: 50], balance 30
    unallocated = 150 - 30 = 120
    S1 <- 100 (paid), S2 <- 20 (partial)

CANCELLATION:
  Checked between batches. A cancelled run returns its report with
  Partial=true; the committed batches stay committed.

IDEMPOTENCE:
  A second run with no new events finds unallocated <= epsilon and touches
  nothing.
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/metrics"
	"github.com/warp/account-ledger/receivables"
	"go.uber.org/zap"
)

// State is the reconciliation state of an account.
type State string

const (
	StateConsistent     State = "consistent"
	StateUnderallocated State = "underallocated_credit"
	StateInconsistent   State = "inconsistent"
)

// DefaultBatchSize is the number of sales allocated per transaction.
const DefaultBatchSize = 50

// Allocation is one payment attributed to a sale.
type Allocation struct {
	SaleID  receivables.SaleID        `json:"sale_id"`
	Amount  decimal.Decimal           `json:"amount"`
	Pending decimal.Decimal           `json:"pending_before"`
	Status  receivables.PaymentStatus `json:"status"`
	Batch   int                       `json:"batch"`
}

// Report is the audited outcome of one reconciliation.
type Report struct {
	RunID          string              `json:"run_id"`
	AccountID      ledger.AccountID    `json:"account_id"`
	PriorState     State               `json:"prior_state"`
	CorrectedState State               `json:"corrected_state"`
	SalesTouched   int                 `json:"sales_touched"`
	Unallocated    decimal.Decimal     `json:"unallocated"`
	Allocations    []Allocation        `json:"allocations"`
	Corrections    []ledger.Correction `json:"corrections"`
	Partial        bool                `json:"partial"`
	DryRun         bool                `json:"dry_run,omitempty"`
	Batches        int                 `json:"batches"`
	Revalidations  int                 `json:"revalidations"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
}

func (r Report) allocated() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Allocations {
		total = total.Add(a.Amount)
	}
	return total
}

// =============================================================================
// PURE DETECTION AND PLANNING
// =============================================================================

// Unallocated is sum(pending) - balance.
func Unallocated(pending []receivables.PendingSale, balance decimal.Decimal) decimal.Decimal {
	return receivables.TotalPending(pending).Sub(balance)
}

// Classify derives the account state. Stored-state corrections win over
// allocation drift; allocation drift needs at least one pending sale.
func Classify(corrections []ledger.Correction, pending []receivables.PendingSale, balance decimal.Decimal) State {
	if len(corrections) > 0 {
		return StateInconsistent
	}
	if len(pending) > 0 && Unallocated(pending, balance).GreaterThan(ledger.Epsilon) {
		return StateUnderallocated
	}
	return StateConsistent
}

// Plan walks pending sales oldest-first and spends credit on them.
// At most limit sales are planned when limit > 0.
func Plan(pending []receivables.PendingSale, credit decimal.Decimal, limit int) []Allocation {
	var out []Allocation
	remaining := credit
	for _, p := range pending {
		if remaining.LessThanOrEqual(ledger.Epsilon) {
			break
		}
		if limit > 0 && len(out) == limit {
			break
		}
		pay := decimal.Min(p.Pending, remaining)
		if !pay.IsPositive() {
			continue
		}
		out = append(out, Allocation{SaleID: p.SaleID, Amount: pay, Pending: p.Pending})
		remaining = remaining.Sub(pay)
	}
	return out
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine reconciles accounts.
type Engine struct {
	ledger    *ledger.Ledger
	store     ledger.Store
	runs      RunStore
	log       *zap.Logger
	metrics   *metrics.Metrics
	batchSize int
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithRunStore(rs RunStore) Option { return func(e *Engine) { e.runs = rs } }
func WithLogger(log *zap.Logger) Option { return func(e *Engine) { e.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithBatchSize sets how many sales one allocation transaction may touch.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func NewEngine(l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:    l,
		store:     l.Store(),
		log:       zap.NewNop(),
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("reconcile")
	return e
}

// Reconcile runs the state machine for one account and persists the report.
func (e *Engine) Reconcile(ctx context.Context, id ledger.AccountID) (Report, error) {
	tracker := e.metrics.Track("reconcile")
	report, err := e.reconcile(ctx, id)
	if err != nil {
		e.log.Warn("reconciliation failed", zap.String("account_id", string(id)), zap.Error(err))
		return report, tracker.End(err)
	}
	e.metrics.StateObserved(string(report.PriorState))
	e.metrics.SalesAllocated(report.SalesTouched)

	if e.runs != nil {
		run := Run{ID: report.RunID, AccountID: id, Report: report, CreatedAt: report.FinishedAt}
		if err := e.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			return report, tracker.End(fmt.Errorf("save reconciliation run: %w", err))
		}
	}
	e.log.Info("account reconciled",
		zap.String("account_id", string(id)),
		zap.String("prior_state", string(report.PriorState)),
		zap.String("corrected_state", string(report.CorrectedState)),
		zap.Int("sales_touched", report.SalesTouched),
		zap.Int("corrections", len(report.Corrections)),
		zap.Bool("partial", report.Partial))
	return report, tracker.End(nil)
}

func (e *Engine) reconcile(ctx context.Context, id ledger.AccountID) (Report, error) {
	report := Report{
		RunID:     uuid.NewString(),
		AccountID: id,
		StartedAt: e.now(),
	}

	// Phase 1: replay correction and detection.
	var version int64
	err := e.store.WithAccountTx(ctx, id, func(tx ledger.Tx) error {
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		stored, err := tx.Movements(ctx, false)
		if err != nil {
			return err
		}
		if len(ledger.Check(acct, ledger.ReplayMovements(acct.ID, stored), stored)) > 0 {
			report.PriorState = StateInconsistent
			report.Corrections, err = e.ledger.RestampTx(ctx, tx, "reconcile: full replay")
			if err != nil {
				return err
			}
			if acct, err = tx.Account(ctx); err != nil {
				return err
			}
		}
		pending, err := tx.Receivables().PendingSales(ctx, acct.CustomerID)
		if err != nil {
			return err
		}
		report.Unallocated = Unallocated(pending, acct.CurrentBalance)
		if report.PriorState == "" {
			report.PriorState = Classify(nil, pending, acct.CurrentBalance)
		}
		version = acct.Version
		return nil
	})
	if err != nil {
		return report, err
	}

	// Phase 2: batched allocation.
	for {
		if ctx.Err() != nil {
			report.Partial = true
			break
		}
		touched, err := e.allocateBatch(ctx, id, &version, &report)
		if err != nil {
			if cancelled(ctx, err) {
				// The interrupted batch rolled back; committed batches stand.
				report.Partial = true
				break
			}
			return report, err
		}
		if touched == 0 {
			break
		}
	}

	report.CorrectedState = StateConsistent
	if report.Partial && report.Unallocated.Sub(report.allocated()).GreaterThan(ledger.Epsilon) {
		report.CorrectedState = StateUnderallocated
	}
	report.FinishedAt = e.now()
	return report, nil
}

// allocateBatch allocates to at most batchSize sales in one transaction and
// returns how many sales it touched. The report and version only change once
// the transaction has committed.
func (e *Engine) allocateBatch(ctx context.Context, id ledger.AccountID, version *int64, report *Report) (int, error) {
	batch := report.Batches + 1
	var (
		allocations []Allocation
		seen        int64
	)
	err := e.store.WithAccountTx(ctx, id, func(tx ledger.Tx) error {
		allocations = nil
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		seen = acct.Version
		view := tx.Receivables()
		pending, err := view.PendingSales(ctx, acct.CustomerID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		unallocated := Unallocated(pending, acct.CurrentBalance)
		if unallocated.LessThanOrEqual(ledger.Epsilon) {
			return nil
		}

		for _, a := range Plan(pending, unallocated, e.batchSize) {
			status, err := view.ApplyPayment(ctx, a.SaleID, a.Amount)
			if err != nil {
				return fmt.Errorf("allocate %s to sale %s: %w", a.Amount.StringFixed(ledger.Scale), a.SaleID, err)
			}
			a.Status = status
			a.Batch = batch
			allocations = append(allocations, a)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if seen != *version {
		report.Revalidations++
		e.log.Debug("account changed between batches",
			zap.String("account_id", string(id)),
			zap.Int64("seen_version", *version),
			zap.Int64("version", seen))
		*version = seen
	}
	if len(allocations) > 0 {
		report.Allocations = append(report.Allocations, allocations...)
		report.SalesTouched += len(allocations)
		report.Batches = batch
	}
	return len(allocations), nil
}

// cancelled reports whether err stems from ctx being cancelled or expiring.
func cancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

// Diagnose reports what Reconcile would do, without writing anything.
func (e *Engine) Diagnose(ctx context.Context, id ledger.AccountID) (Report, error) {
	tracker := e.metrics.Track("diagnose")
	report := Report{AccountID: id, DryRun: true, StartedAt: e.now()}
	err := e.store.WithAccountTx(ctx, id, func(tx ledger.Tx) error {
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		stored, err := tx.Movements(ctx, false)
		if err != nil {
			return err
		}
		replay := ledger.ReplayMovements(acct.ID, stored)
		report.Corrections = ledger.Check(acct, replay, stored)
		pending, err := tx.Receivables().PendingSales(ctx, acct.CustomerID)
		if err != nil {
			return err
		}
		report.PriorState = Classify(report.Corrections, pending, acct.CurrentBalance)
		report.Unallocated = Unallocated(pending, replay.FinalBalance)
		report.Allocations = Plan(pending, report.Unallocated, 0)
		report.SalesTouched = len(report.Allocations)
		return nil
	})
	report.CorrectedState = report.PriorState
	report.FinishedAt = e.now()
	return report, tracker.End(err)
}

// Runs lists persisted reconciliation runs for an account, newest first.
func (e *Engine) Runs(ctx context.Context, id ledger.AccountID, limit int) ([]Run, error) {
	if e.runs == nil {
		return nil, nil
	}
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return e.runs.ListRuns(ctx, id, limit)
}
