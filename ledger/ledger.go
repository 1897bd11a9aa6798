/*
ledger.go - Append-only movement log per account

PURPOSE:
  The Ledger is the source of truth for every balance change. The account's
  stored balance is a cache kept in step with the movements in the same
  transaction, and always recomputable by replay.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: movements are never edited. Deletion is a soft delete,
     retained for audit and excluded from balances.
  2. ORDER: (movement_date, id) ascending; same-instant movements resolve by
     insertion order.
  3. IDEMPOTENT: (account, sale, kind) is unique unless forced.
  4. REPLAYABLE: replaying live movements from zero reproduces
     current_balance within 0.01.
  5. SNAPSHOTS: only full replay rewrites historical balance_before/after.
     A back-dated append stamps the new movement against its predecessors
     and leaves later snapshots for the next replay.

EXAMPLE FLOW:
  1. Sale 500:     +500  balance 500
  2. Payment 200:  -200  balance 300
  3. Oops, wrong:  DeleteMovement(2) -> restamp -> balance 500

SEE ALSO:
  - store.go: persistence interface
  - balance.go: the pure calculator used here
  - credit.go: pool planning for consuming movements
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/metrics"
	"go.uber.org/zap"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger appends, deletes and replays movements.
type Ledger struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(log *zap.Logger) Option { return func(l *Ledger) { l.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New builds a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("ledger")
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates the customer's account. A customer has at most one.
func (l *Ledger) OpenAccount(ctx context.Context, customerID CustomerID, creditLimit *decimal.Decimal) (Account, error) {
	if customerID == "" {
		return Account{}, fmt.Errorf("%w: customer id required", ErrInvalidInput)
	}
	if creditLimit != nil {
		if creditLimit.IsNegative() {
			return Account{}, fmt.Errorf("%w: credit limit must not be negative", ErrInvalidAmount)
		}
		lim := RoundMoney(*creditLimit)
		creditLimit = &lim
	}
	acct := Account{
		ID:                AccountID(uuid.NewString()),
		CustomerID:        customerID,
		CreditLimit:       creditLimit,
		CurrentBalance:    decimal.Zero,
		AccumulatedCredit: decimal.Zero,
		CreatedAt:         l.now(),
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return Account{}, err
	}
	l.log.Info("account opened",
		zap.String("account_id", string(acct.ID)),
		zap.String("customer_id", string(customerID)))
	return acct, nil
}

// Balance returns the cached balance summary.
func (l *Ledger) Balance(ctx context.Context, id AccountID) (BalanceSummary, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return BalanceSummary{}, err
	}
	return acct.Summary(), nil
}

// =============================================================================
// APPEND
// =============================================================================

// AppendInput describes a new movement.
type AppendInput struct {
	AccountID    AccountID
	Kind         Kind
	Amount       decimal.Decimal
	MovementDate time.Time
	SaleRef      SaleID
	Metadata     *Metadata

	// Force bypasses the (account, sale, kind) duplicate guard.
	Force bool
}

// Append validates and persists a movement in its own transaction.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (Movement, error) {
	var out Movement
	err := l.store.WithAccountTx(ctx, in.AccountID, func(tx Tx) error {
		m, err := l.AppendTx(ctx, tx, in)
		out = m
		return err
	})
	return out, err
}

// AppendTx appends inside a caller-owned transaction, so the caller can
// combine it with receivables updates atomically.
func (l *Ledger) AppendTx(ctx context.Context, tx Tx, in AppendInput) (Movement, error) {
	amount, err := normalizeAmount(in.Amount)
	if err != nil {
		return Movement{}, err
	}
	if !in.Kind.Valid() {
		return Movement{}, fmt.Errorf("%w: %q", ErrInvalidKind, in.Kind)
	}
	date := in.MovementDate
	if date.IsZero() {
		date = l.now()
	}
	date = date.UTC()

	acct, err := tx.Account(ctx)
	if err != nil {
		return Movement{}, err
	}

	if in.SaleRef != "" && !in.Force {
		exists, err := tx.HasMovement(ctx, in.SaleRef, in.Kind)
		if err != nil {
			return Movement{}, err
		}
		if exists {
			return Movement{}, &DuplicateMovementError{AccountID: acct.ID, SaleRef: in.SaleRef, Kind: in.Kind}
		}
	}

	existing, err := tx.Movements(ctx, false)
	if err != nil {
		return Movement{}, err
	}

	meta := cloneMetadata(in.Metadata)
	if in.Force && in.SaleRef != "" {
		if meta == nil {
			meta = &Metadata{}
		}
		meta.Forced = true
	}
	if in.Kind.Consumes() && (meta == nil || meta.CreditFromAccumulated == nil) {
		fromPool, sources := PlanConsumption(existing, date, amount)
		if meta == nil {
			meta = &Metadata{}
		}
		meta.CreditFromAccumulated = &fromPool
		meta.CreditSources = sources
	}

	before := BalanceAt(existing, date)
	m := Movement{
		AccountID:     acct.ID,
		Kind:          in.Kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before.Add(in.Kind.Delta(amount)),
		MovementDate:  date,
		SaleRef:       in.SaleRef,
		Metadata:      meta,
	}
	m, err = tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, err
	}

	all := append(existing, m)
	SortMovements(all)
	last := acct.LastMovementAt
	if in.Kind.Participates() && (last == nil || date.After(*last)) {
		last = &date
	}
	cache := Cache{
		CurrentBalance:    acct.CurrentBalance.Add(m.Delta()),
		AccumulatedCredit: ComputePool(all).Accumulated,
		LastMovementAt:    last,
	}
	if err := tx.WriteCache(ctx, cache); err != nil {
		return Movement{}, err
	}

	l.metrics.MovementAppended(string(m.Kind))
	l.log.Debug("movement appended",
		zap.String("account_id", string(acct.ID)),
		zap.Int64("movement_id", int64(m.ID)),
		zap.String("kind", string(m.Kind)),
		zap.String("amount", m.Amount.StringFixed(Scale)),
		zap.String("balance", cache.CurrentBalance.StringFixed(Scale)))
	return m, nil
}

func normalizeAmount(a decimal.Decimal) (decimal.Decimal, error) {
	rounded := RoundMoney(a)
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, a.String())
	}
	return rounded, nil
}

func cloneMetadata(m *Metadata) *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.CreditSources = append([]CreditSource(nil), m.CreditSources...)
	return &c
}

// =============================================================================
// DELETE
// =============================================================================

// Delete soft-deletes a movement and restamps the account. It fails with
// DependentMovementError while other live movements consumed credit from it.
func (l *Ledger) Delete(ctx context.Context, id MovementID) error {
	target, err := l.store.GetMovement(ctx, id)
	if err != nil {
		return err
	}
	return l.store.WithAccountTx(ctx, target.AccountID, func(tx Tx) error {
		all, err := tx.Movements(ctx, true)
		if err != nil {
			return err
		}
		var found bool
		var dependents []MovementID
		for _, m := range all {
			if m.ID == id {
				found = !m.IsDeleted()
				continue
			}
			if !m.IsDeleted() && m.DependsOn(id) {
				dependents = append(dependents, m.ID)
			}
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrMovementNotFound, id)
		}
		if len(dependents) > 0 {
			return &DependentMovementError{MovementID: id, Dependents: dependents}
		}
		if err := tx.SoftDeleteMovement(ctx, id, l.now()); err != nil {
			return err
		}
		_, err = l.RestampTx(ctx, tx, fmt.Sprintf("movement %d deleted", id))
		return err
	})
}

// =============================================================================
// REPLAY
// =============================================================================

// Replay recomputes the account's history without writing anything.
func (l *Ledger) Replay(ctx context.Context, id AccountID) (ReplayResult, error) {
	if _, err := l.store.GetAccount(ctx, id); err != nil {
		return ReplayResult{}, err
	}
	ms, err := l.store.Movements(ctx, id, false)
	if err != nil {
		return ReplayResult{}, err
	}
	return ReplayMovements(id, ms), nil
}

// RestampTx is the full replay correction: it rewrites every stale movement
// snapshot and the account cache, then verifies the stored state converged.
// It returns the corrections it applied, tagged with reason.
func (l *Ledger) RestampTx(ctx context.Context, tx Tx, reason string) ([]Correction, error) {
	acct, err := tx.Account(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := tx.Movements(ctx, false)
	if err != nil {
		return nil, err
	}
	replay := ReplayMovements(acct.ID, stored)
	corrections := Check(acct, replay, stored)
	for i := range corrections {
		corrections[i].Reason = corrections[i].Reason + "; " + reason
	}

	if changed := ChangedSnapshots(replay, stored); len(changed) > 0 {
		if err := tx.UpdateSnapshots(ctx, changed); err != nil {
			return nil, err
		}
	}
	if len(corrections) > 0 {
		if err := tx.WriteCache(ctx, replay.Cache()); err != nil {
			return nil, err
		}
	}

	if err := l.verifyTx(ctx, tx); err != nil {
		return nil, err
	}
	return corrections, nil
}

// verifyTx re-reads the account and fails with ReplayDivergenceError when the
// stored state still disagrees with replay. Nothing is clamped.
func (l *Ledger) verifyTx(ctx context.Context, tx Tx) error {
	acct, err := tx.Account(ctx)
	if err != nil {
		return err
	}
	stored, err := tx.Movements(ctx, false)
	if err != nil {
		return err
	}
	replay := ReplayMovements(acct.ID, stored)
	left := Check(acct, replay, stored)
	if len(left) == 0 {
		return nil
	}
	l.metrics.ReplayDivergence()
	l.log.Error("replay divergence after correction",
		zap.String("account_id", string(acct.ID)),
		zap.String("stored_balance", acct.CurrentBalance.StringFixed(Scale)),
		zap.String("replayed_balance", replay.FinalBalance.StringFixed(Scale)),
		zap.Any("mismatches", left),
		zap.Any("movements", DumpMovements(stored)))
	return &ReplayDivergenceError{
		AccountID: acct.ID,
		Stored:    acct.CurrentBalance,
		Replayed:  replay.FinalBalance,
		Details:   left,
	}
}

// MovementDump is a flat, log-friendly rendering of a movement.
type MovementDump struct {
	ID      int64  `json:"id"`
	Kind    string `json:"kind"`
	Amount  string `json:"amount"`
	Date    string `json:"date"`
	Before  string `json:"before"`
	After   string `json:"after"`
	SaleRef string `json:"sale_ref,omitempty"`
}

// DumpMovements renders movements for diagnostics.
func DumpMovements(ms []Movement) []MovementDump {
	out := make([]MovementDump, len(ms))
	for i, m := range ms {
		out[i] = MovementDump{
			ID:      int64(m.ID),
			Kind:    string(m.Kind),
			Amount:  m.Amount.StringFixed(Scale),
			Date:    m.MovementDate.Format(time.RFC3339Nano),
			Before:  m.BalanceBefore.StringFixed(Scale),
			After:   m.BalanceAfter.StringFixed(Scale),
			SaleRef: string(m.SaleRef),
		}
	}
	return out
}
