package reconcile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/ledger/store"
	"github.com/warp/account-ledger/receivables"
	"github.com/warp/account-ledger/reconcile"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(d int) time.Time {
	return time.Date(2025, time.April, d, 9, 0, 0, 0, time.UTC)
}

func money(s string) decimal.Decimal { return ledger.MustMoney(s) }

type fixture struct {
	t      *testing.T
	mem    *store.Memory
	ledger *ledger.Ledger
	runs   *reconcile.MemoryRunStore
	acct   ledger.Account
}

func newFixture(t *testing.T, customer ledger.CustomerID) *fixture {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(mem)
	acct, err := l.OpenAccount(context.Background(), customer, nil)
	require.NoError(t, err)
	return &fixture{t: t, mem: mem, ledger: l, runs: reconcile.NewMemoryRunStore(), acct: acct}
}

func (f *fixture) engine(opts ...reconcile.Option) *reconcile.Engine {
	return reconcile.NewEngine(f.ledger, append([]reconcile.Option{reconcile.WithRunStore(f.runs)}, opts...)...)
}

// sale charges the sale on the ledger and registers the receivable.
func (f *fixture) sale(id receivables.SaleID, amount string, d int) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.mem.SaveSale(ctx, receivables.Sale{
		ID: id, CustomerID: f.acct.CustomerID, Total: money(amount), Date: day(d),
	}))
	_, err := f.ledger.Append(ctx, ledger.AppendInput{
		AccountID: f.acct.ID, Kind: ledger.KindSale, Amount: money(amount), MovementDate: day(d), SaleRef: id,
	})
	require.NoError(f.t, err)
}

// payment records money on the account without attributing it to any sale.
func (f *fixture) payment(amount string, d int) {
	f.t.Helper()
	_, err := f.ledger.Append(context.Background(), ledger.AppendInput{
		AccountID: f.acct.ID, Kind: ledger.KindAccountPayment, Amount: money(amount), MovementDate: day(d),
	})
	require.NoError(f.t, err)
}

func (f *fixture) saleState(id receivables.SaleID) receivables.Sale {
	f.t.Helper()
	s, err := f.mem.GetSale(context.Background(), id)
	require.NoError(f.t, err)
	return s
}

// =============================================================================
// PURE FUNCTIONS
// =============================================================================

func TestPlan_FIFOWithPartialTail(t *testing.T) {
	pending := []receivables.PendingSale{
		{SaleID: "S1", Pending: money("100"), Date: day(1)},
		{SaleID: "S2", Pending: money("50"), Date: day(2)},
		{SaleID: "S3", Pending: money("10"), Date: day(3)},
	}

	plan := reconcile.Plan(pending, money("120"), 0)

	require.Len(t, plan, 2)
	assert.Equal(t, receivables.SaleID("S1"), plan[0].SaleID)
	assert.Equal(t, "100.00", plan[0].Amount.StringFixed(2))
	assert.Equal(t, receivables.SaleID("S2"), plan[1].SaleID)
	assert.Equal(t, "20.00", plan[1].Amount.StringFixed(2))

	limited := reconcile.Plan(pending, money("500"), 1)
	assert.Len(t, limited, 1)

	assert.Empty(t, reconcile.Plan(pending, money("0.01"), 0), "credit within epsilon allocates nothing")
}

func TestClassify(t *testing.T) {
	pending := []receivables.PendingSale{{SaleID: "S1", Pending: money("100")}}

	assert.Equal(t, reconcile.StateInconsistent, reconcile.Classify([]ledger.Correction{{}}, pending, money("100")))
	assert.Equal(t, reconcile.StateUnderallocated, reconcile.Classify(nil, pending, money("40")))
	assert.Equal(t, reconcile.StateConsistent, reconcile.Classify(nil, pending, money("100")))
	assert.Equal(t, reconcile.StateConsistent, reconcile.Classify(nil, pending, money("99.99")))
	assert.Equal(t, reconcile.StateConsistent, reconcile.Classify(nil, nil, money("-50")), "no pending sales, nothing to allocate")
	assert.Equal(t, "60.00", reconcile.Unallocated(pending, money("40")).StringFixed(2))
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_AllocatesOldestFirst(t *testing.T) {
	// GIVEN: Sales S1 (100) and S2 (50), and a payment of 120 not attributed to either
	// WHEN: Reconciling
	// THEN: S1 is paid, S2 receives 20, and the ledger is not touched

	f := newFixture(t, "cust-1")
	f.sale("S1", "100", 1)
	f.sale("S2", "50", 2)
	f.payment("120", 3)
	before, err := f.mem.Movements(context.Background(), f.acct.ID, true)
	require.NoError(t, err)

	report, err := f.engine().Reconcile(context.Background(), f.acct.ID)
	require.NoError(t, err)

	assert.Equal(t, reconcile.StateUnderallocated, report.PriorState)
	assert.Equal(t, reconcile.StateConsistent, report.CorrectedState)
	assert.Equal(t, "120.00", report.Unallocated.StringFixed(2))
	assert.Equal(t, 2, report.SalesTouched)
	assert.False(t, report.Partial)
	require.Len(t, report.Allocations, 2)
	assert.Equal(t, receivables.StatusPaid, report.Allocations[0].Status)
	assert.Equal(t, receivables.StatusPartial, report.Allocations[1].Status)

	s1 := f.saleState("S1")
	assert.Equal(t, receivables.StatusPaid, s1.Status)
	s2 := f.saleState("S2")
	assert.Equal(t, receivables.StatusPartial, s2.Status)
	assert.Equal(t, "20.00", s2.PaidAmount.StringFixed(2))

	after, err := f.mem.Movements(context.Background(), f.acct.ID, true)
	require.NoError(t, err)
	assert.Equal(t, before, after, "reconciliation never writes movements")

	runs, err := f.runs.ListRuns(context.Background(), f.acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t, "cust-1")
	f.sale("S1", "100", 1)
	f.sale("S2", "50", 2)
	f.payment("120", 3)
	engine := f.engine()

	_, err := engine.Reconcile(context.Background(), f.acct.ID)
	require.NoError(t, err)

	second, err := engine.Reconcile(context.Background(), f.acct.ID)
	require.NoError(t, err)

	assert.Equal(t, reconcile.StateConsistent, second.PriorState)
	assert.Equal(t, 0, second.SalesTouched)
	assert.Empty(t, second.Allocations)
	assert.Equal(t, "20.00", f.saleState("S2").PaidAmount.StringFixed(2), "no double allocation")
}

func TestReconcile_OverpaymentPaysEverything(t *testing.T) {
	f := newFixture(t, "cust-1")
	f.sale("S1", "100", 1)
	f.payment("150", 2)

	report, err := f.engine().Reconcile(context.Background(), f.acct.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, report.SalesTouched)
	assert.Equal(t, receivables.StatusPaid, f.saleState("S1").Status)
	b, err := f.ledger.Balance(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "-50.00", b.CurrentBalance.StringFixed(2), "the excess stays in the customer's favor")
}

func TestReconcile_RepairsInconsistentLedgerFirst(t *testing.T) {
	// GIVEN: A cache overwritten with a wrong balance, and an unallocated payment
	// WHEN: Reconciling
	// THEN: The cache is restamped, and allocation uses the corrected balance

	f := newFixture(t, "cust-1")
	ctx := context.Background()
	f.sale("S1", "100", 1)
	f.payment("60", 2)

	last := day(2)
	require.NoError(t, f.mem.WithAccountTx(ctx, f.acct.ID, func(tx ledger.Tx) error {
		return tx.WriteCache(ctx, ledger.Cache{CurrentBalance: money("100"), AccumulatedCredit: decimal.Zero, LastMovementAt: &last})
	}))

	report, err := f.engine().Reconcile(ctx, f.acct.ID)
	require.NoError(t, err)

	assert.Equal(t, reconcile.StateInconsistent, report.PriorState)
	assert.Equal(t, reconcile.StateConsistent, report.CorrectedState)
	require.NotEmpty(t, report.Corrections)
	assert.Equal(t, "account.current_balance", report.Corrections[0].Target)
	assert.Contains(t, report.Corrections[0].Reason, "reconcile")

	b, err := f.ledger.Balance(ctx, f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", b.CurrentBalance.StringFixed(2))
	assert.Equal(t, "60.00", f.saleState("S1").PaidAmount.StringFixed(2))
}

func TestReconcile_BatchesAndRevalidation(t *testing.T) {
	// GIVEN: Five pending sales, batch size 2, and a sale charged between batches
	// WHEN: Reconciling
	// THEN: Allocation spans several batches and the change is counted as a revalidation

	f := newFixture(t, "cust-1")
	for i, id := range []receivables.SaleID{"S1", "S2", "S3", "S4", "S5"} {
		f.sale(id, "10", i+1)
	}
	f.payment("50", 10)

	hooked := &hookStore{Memory: f.mem}
	l := ledger.New(hooked)
	writer := ledger.New(f.mem)
	hooked.after = func(n int) {
		if n == 2 {
			_, err := writer.Append(context.Background(), ledger.AppendInput{
				AccountID: f.acct.ID, Kind: ledger.KindNote, Amount: money("1"), MovementDate: day(11),
			})
			require.NoError(t, err)
		}
	}
	engine := reconcile.NewEngine(l, reconcile.WithBatchSize(2))

	report, err := engine.Reconcile(context.Background(), f.acct.ID)
	require.NoError(t, err)

	assert.Equal(t, 5, report.SalesTouched)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 1, report.Revalidations)
	assert.Equal(t, 1, report.Allocations[0].Batch)
	assert.Equal(t, 3, report.Allocations[4].Batch)
}

func TestReconcile_CancelledBetweenBatchesIsPartial(t *testing.T) {
	// GIVEN: Three pending sales, batch size 1
	// WHEN: The context is cancelled after the first batch commits
	// THEN: The report is partial, the committed batch stays, and a later run finishes

	f := newFixture(t, "cust-1")
	f.sale("S1", "10", 1)
	f.sale("S2", "10", 2)
	f.sale("S3", "10", 3)
	f.payment("30", 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hooked := &hookStore{Memory: f.mem, after: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	engine := reconcile.NewEngine(ledger.New(hooked), reconcile.WithBatchSize(1), reconcile.WithRunStore(f.runs))

	report, err := engine.Reconcile(ctx, f.acct.ID)
	require.NoError(t, err)

	assert.True(t, report.Partial)
	assert.Equal(t, 1, report.SalesTouched)
	assert.Equal(t, reconcile.StateUnderallocated, report.CorrectedState)
	assert.Equal(t, receivables.StatusPaid, f.saleState("S1").Status)
	assert.Equal(t, receivables.StatusPending, f.saleState("S2").Status)

	runs, err := f.runs.ListRuns(context.Background(), f.acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1, "partial run is still recorded")

	rest, err := f.engine(reconcile.WithBatchSize(1)).Reconcile(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rest.SalesTouched)
	assert.False(t, rest.Partial)
}

func TestReconcile_CancelledAtBatchStartIsPartialAndRecorded(t *testing.T) {
	// GIVEN: Three pending sales, batch size 1, first batch committed
	// WHEN: The context is cancelled as the second batch transaction begins
	// THEN: The run ends partial instead of failing, and the committed batch is audited

	f := newFixture(t, "cust-1")
	f.sale("S1", "10", 1)
	f.sale("S2", "10", 2)
	f.sale("S3", "10", 3)
	f.payment("30", 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hooked := &hookStore{Memory: f.mem, before: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	engine := reconcile.NewEngine(ledger.New(hooked), reconcile.WithBatchSize(1), reconcile.WithRunStore(f.runs))

	report, err := engine.Reconcile(ctx, f.acct.ID)
	require.NoError(t, err)

	assert.True(t, report.Partial)
	assert.Equal(t, 1, report.SalesTouched)
	assert.Equal(t, 1, report.Batches)
	require.Len(t, report.Allocations, 1)
	assert.Equal(t, receivables.SaleID("S1"), report.Allocations[0].SaleID)
	assert.Equal(t, reconcile.StateUnderallocated, report.CorrectedState)
	assert.Equal(t, receivables.StatusPaid, f.saleState("S1").Status)
	assert.Equal(t, receivables.StatusPending, f.saleState("S2").Status)

	runs, err := f.runs.ListRuns(context.Background(), f.acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Report.Partial)
	assert.Equal(t, 1, runs[0].Report.SalesTouched)
}

func TestReconcile_UnknownAccount(t *testing.T) {
	f := newFixture(t, "cust-1")

	_, err := f.engine().Reconcile(context.Background(), "missing")

	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	runs, _ := f.runs.ListRuns(context.Background(), "missing", 0)
	assert.Empty(t, runs)
}

func TestReconcile_ConcurrentRunsDoNotDoubleAllocate(t *testing.T) {
	f := newFixture(t, "cust-1")
	f.sale("S1", "100", 1)
	f.sale("S2", "100", 2)
	f.payment("150", 3)
	engine := f.engine(reconcile.WithBatchSize(1))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Reconcile(context.Background(), f.acct.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	paid := f.saleState("S1").PaidAmount.Add(f.saleState("S2").PaidAmount)
	assert.Equal(t, "150.00", paid.StringFixed(2))
}

// =============================================================================
// DIAGNOSE AND RUNS
// =============================================================================

func TestDiagnose_WritesNothing(t *testing.T) {
	f := newFixture(t, "cust-1")
	f.sale("S1", "100", 1)
	f.sale("S2", "50", 2)
	f.payment("120", 3)

	report, err := f.engine().Diagnose(context.Background(), f.acct.ID)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, reconcile.StateUnderallocated, report.PriorState)
	assert.Equal(t, report.PriorState, report.CorrectedState)
	assert.Equal(t, 2, report.SalesTouched)
	assert.Equal(t, receivables.StatusPending, f.saleState("S1").Status)

	runs, err := f.runs.ListRuns(context.Background(), f.acct.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRuns_NewestFirstWithLimit(t *testing.T) {
	f := newFixture(t, "cust-1")
	tick := day(1)
	engine := f.engine(reconcile.WithClock(func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}))

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := engine.Reconcile(context.Background(), f.acct.ID)
		require.NoError(t, err)
		ids = append(ids, r.RunID)
	}

	runs, err := engine.Runs(context.Background(), f.acct.ID, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)

	_, err = engine.Runs(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// HOOKS
// =============================================================================

// hookStore calls after once the nth account transaction has returned.
type hookStore struct {
	*store.Memory
	mu    sync.Mutex
	calls int

	// before and after receive the 1-based call number.
	before func(n int)
	after  func(n int)
}

func (h *hookStore) WithAccountTx(ctx context.Context, id ledger.AccountID, fn func(ledger.Tx) error) error {
	h.mu.Lock()
	h.calls++
	n := h.calls
	h.mu.Unlock()
	if h.before != nil {
		h.before(n)
	}
	err := h.Memory.WithAccountTx(ctx, id, fn)
	if h.after != nil {
		h.after(n)
	}
	return err
}
