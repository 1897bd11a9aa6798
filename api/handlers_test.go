/*
handlers_test.go - Tests for API handlers

Tests for:
- Account and business-event routes against an in-memory SQLite store
- Error mapping (400 validation, 404 not found, 409 conflict)
- Repair routes (reconcile, replay, reconciliations)
- Admin rate limit and the demo scenario gate
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/account-ledger/currentaccount"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/reconcile"
	"github.com/warp/account-ledger/store/sqlite"
)

func setupRouter(t *testing.T, opts RouterOptions) *chi.Mux {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.New(store)
	engine := reconcile.NewEngine(l, reconcile.WithRunStore(store))
	sweeper := reconcile.NewSweeper(engine, store, reconcile.SweepConfig{Concurrency: 1}, nil)
	svc := currentaccount.NewService(currentaccount.Config{
		Ledger:  l,
		Engine:  engine,
		Sweeper: sweeper,
		Sales:   store,
	})
	return NewRouter(NewHandler(svc, nil), opts)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func openAccount(t *testing.T, h http.Handler, customer string) AccountDTO {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/accounts", OpenAccountRequest{CustomerID: customer})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[AccountDTO](t, rec)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestOpenAccount(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Opening an account twice for the same customer
	// THEN: The first succeeds, the second conflicts

	r := setupRouter(t, RouterOptions{})
	limit := "500"

	rec := do(t, r, http.MethodPost, "/api/accounts", OpenAccountRequest{CustomerID: "cust-1", CreditLimit: &limit})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decodeAs[AccountDTO](t, rec)
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, "0.00", acct.CurrentBalance)
	require.NotNil(t, acct.CreditLimit)
	assert.Equal(t, "500.00", *acct.CreditLimit)

	rec = do(t, r, http.MethodPost, "/api/accounts", OpenAccountRequest{CustomerID: "cust-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]AccountDTO](t, rec), 1)

	rec = do(t, r, http.MethodGet, "/api/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAccount_Validation(t *testing.T) {
	r := setupRouter(t, RouterOptions{})

	rec := do(t, r, http.MethodPost, "/api/accounts", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.Code)
	assert.Equal(t, map[string]any{"customerid": "required"}, resp.Details)

	rec = do(t, r, http.MethodPost, "/api/accounts", `{"customer_id": "c", "unknown": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = do(t, r, http.MethodPost, "/api/accounts", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownAccountIs404(t *testing.T) {
	r := setupRouter(t, RouterOptions{})

	for _, path := range []string{"/api/accounts/missing", "/api/accounts/missing/balance", "/api/accounts/missing/diagnose"} {
		rec := do(t, r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

// =============================================================================
// BUSINESS EVENTS
// =============================================================================

func TestSaleAndPaymentFlow(t *testing.T) {
	// GIVEN: An open account
	// WHEN: A sale of 100 is charged and 30 is paid against it
	// THEN: The balance is 70 and the receivable is partial

	r := setupRouter(t, RouterOptions{})
	acct := openAccount(t, r, "cust-1")
	base := "/api/accounts/" + acct.ID

	rec := do(t, r, http.MethodPost, base+"/sales", SaleRequest{SaleID: "S1", Amount: "100", Date: "2025-03-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeAs[MovementDTO](t, rec)
	assert.Equal(t, "sale", sale.Kind)
	assert.Equal(t, "credit", sale.Direction)
	assert.Equal(t, "100.00", sale.BalanceAfter)

	rec = do(t, r, http.MethodPost, base+"/payments", PaymentRequest{SaleID: "S1", Amount: "30", Date: "2025-03-02T10:00:00Z"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payment := decodeAs[MovementDTO](t, rec)
	assert.Equal(t, "debit", payment.Direction)
	assert.Equal(t, "70.00", payment.BalanceAfter)

	rec = do(t, r, http.MethodGet, base+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeAs[BalanceDTO](t, rec)
	assert.Equal(t, "70.00", bal.CurrentBalance)
	assert.Equal(t, "0.00", bal.AvailableCredit)

	rec = do(t, r, http.MethodGet, "/api/customers/cust-1/sales", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sales := decodeAs[[]SaleDTO](t, rec)
	require.Len(t, sales, 1)
	assert.Equal(t, "partial", sales[0].Status)
	assert.Equal(t, "70.00", sales[0].Pending)

	rec = do(t, r, http.MethodGet, base+"/movements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]MovementDTO](t, rec), 2)
}

func TestBusinessEventErrors(t *testing.T) {
	r := setupRouter(t, RouterOptions{})
	acct := openAccount(t, r, "cust-1")
	base := "/api/accounts/" + acct.ID
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, base+"/sales", SaleRequest{SaleID: "S1", Amount: "100"}).Code)

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"duplicate sale", "/sales", SaleRequest{SaleID: "S1", Amount: "100"}, http.StatusConflict, "duplicate_movement"},
		{"negative amount", "/sales", SaleRequest{SaleID: "S2", Amount: "-5"}, http.StatusBadRequest, ""},
		{"amount not numeric", "/sales", SaleRequest{SaleID: "S2", Amount: "ten"}, http.StatusBadRequest, "validation"},
		{"bad date", "/sales", SaleRequest{SaleID: "S2", Amount: "5", Date: "03/01/2025"}, http.StatusBadRequest, ""},
		{"payment kind outside catalog", "/payments", PaymentRequest{Amount: "5", Kind: "sale"}, http.StatusBadRequest, "validation"},
		{"payment on unknown sale", "/payments", PaymentRequest{SaleID: "S404", Amount: "5"}, http.StatusNotFound, ""},
		{"annul unknown sale", "/annulments", AnnulRequest{SaleID: "S404"}, http.StatusNotFound, ""},
		{"adjustment without notes", "/adjustments", AdjustmentRequest{Direction: "in_favor", Amount: "5"}, http.StatusBadRequest, "validation"},
		{"adjustment bad direction", "/adjustments", AdjustmentRequest{Direction: "sideways", Amount: "5", Notes: "x"}, http.StatusBadRequest, "validation"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, base+tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.code != "" {
				assert.Equal(t, tc.code, decodeAs[ErrorResponse](t, rec).Code)
			}
		})
	}

	rec := do(t, r, http.MethodGet, base+"/balance", nil)
	assert.Equal(t, "100.00", decodeAs[BalanceDTO](t, rec).CurrentBalance, "failed requests leave the balance alone")
}

func TestCreditAndDeleteRoutes(t *testing.T) {
	// GIVEN: A credit grant consumed in part
	// WHEN: Deleting the grant, then the consumption, then the grant
	// THEN: 409 with the dependent id, then 204 twice

	r := setupRouter(t, RouterOptions{})
	acct := openAccount(t, r, "cust-1")
	base := "/api/accounts/" + acct.ID

	rec := do(t, r, http.MethodPost, base+"/credits/grant", GrantCreditRequest{Amount: "100", Date: "2025-03-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	grant := decodeAs[MovementDTO](t, rec)
	assert.Equal(t, "credit_granted", grant.Kind)

	rec = do(t, r, http.MethodPost, base+"/credits/consume", ConsumeCreditRequest{Amount: "40", Date: "2025-03-02"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	use := decodeAs[MovementDTO](t, rec)
	require.NotNil(t, use.Metadata)
	require.NotNil(t, use.Metadata.CreditFromAccumulated)
	assert.Equal(t, "40.00", use.Metadata.CreditFromAccumulated.StringFixed(2))

	rec = do(t, r, http.MethodGet, base+"/balance", nil)
	bal := decodeAs[BalanceDTO](t, rec)
	assert.Equal(t, "-40.00", bal.CurrentBalance)
	assert.Equal(t, "60.00", bal.AccumulatedCredit)
	assert.Equal(t, "100.00", bal.AvailableCredit)

	rec = do(t, r, http.MethodDelete, fmt.Sprintf("/api/movements/%d", grant.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, "dependent_movement_exists", resp.Code)
	assert.Equal(t, []any{float64(use.ID)}, resp.Details)

	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, fmt.Sprintf("/api/movements/%d", use.ID), nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, fmt.Sprintf("/api/movements/%d", grant.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, fmt.Sprintf("/api/movements/%d", grant.ID), nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodDelete, "/api/movements/abc", nil).Code)

	rec = do(t, r, http.MethodGet, base+"/movements?include_deleted=true", nil)
	assert.Len(t, decodeAs[[]MovementDTO](t, rec), 2)
}

// =============================================================================
// REPAIR
// =============================================================================

func TestReconcileRoutes(t *testing.T) {
	// GIVEN: A sale and an unapplied payment covering it
	// WHEN: Diagnosing, reconciling and listing runs
	// THEN: Diagnose reports the drift, reconcile fixes it and records a run

	r := setupRouter(t, RouterOptions{})
	acct := openAccount(t, r, "cust-1")
	base := "/api/accounts/" + acct.ID
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, base+"/sales", SaleRequest{SaleID: "S1", Amount: "100", Date: "2025-03-01"}).Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, base+"/payments", PaymentRequest{Amount: "100", Date: "2025-03-02"}).Code)

	rec := do(t, r, http.MethodGet, base+"/diagnose", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	diag := decodeAs[reconcile.Report](t, rec)
	assert.Equal(t, reconcile.StateUnderallocated, diag.PriorState)
	assert.True(t, diag.DryRun)

	rec = do(t, r, http.MethodPost, base+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeAs[reconcile.Report](t, rec)
	assert.Equal(t, 1, report.SalesTouched)
	assert.Equal(t, reconcile.StateConsistent, report.CorrectedState)

	rec = do(t, r, http.MethodGet, base+"/reconciliations?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeAs[[]reconcile.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, base+"/reconciliations?limit=x", nil).Code)
}

func TestReplayRoute(t *testing.T) {
	r := setupRouter(t, RouterOptions{})
	acct := openAccount(t, r, "cust-1")
	base := "/api/accounts/" + acct.ID
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, base+"/sales", SaleRequest{SaleID: "S1", Amount: "100", Date: "2025-03-01"}).Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, base+"/sales", SaleRequest{SaleID: "S2", Amount: "50", Date: "2025-03-05"}).Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, base+"/payments", PaymentRequest{Amount: "60", Date: "2025-03-03"}).Code)

	rec := do(t, r, http.MethodPost, base+"/replay?dry_run=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dry := decodeAs[ReplayDTO](t, rec)
	assert.False(t, dry.Applied)
	assert.NotEmpty(t, dry.Corrections)
	assert.Equal(t, "90.00", dry.FinalBalance)

	rec = do(t, r, http.MethodPost, base+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeAs[ReplayDTO](t, rec).Applied)

	rec = do(t, r, http.MethodPost, base+"/replay?dry_run=true", nil)
	assert.Empty(t, decodeAs[ReplayDTO](t, rec).Corrections)
}

// =============================================================================
// SALES STAND-IN, ADMIN, SCENARIOS
// =============================================================================

func TestCreateSale(t *testing.T) {
	r := setupRouter(t, RouterOptions{})

	rec := do(t, r, http.MethodPost, "/api/sales", CreateSaleRequest{ID: "EXT-1", CustomerID: "cust-9", Total: "80", PaidAmount: "80", Date: "2025-02-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "paid", decodeAs[SaleDTO](t, rec).Status)

	rec = do(t, r, http.MethodPost, "/api/sales", CreateSaleRequest{ID: "EXT-2", CustomerID: "cust-9", Total: "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSweepIsRateLimited(t *testing.T) {
	// GIVEN: An admin limit of two requests per minute
	// WHEN: Sweeping three times from the same address
	// THEN: The third request is throttled

	r := setupRouter(t, RouterOptions{AdminRateLimit: 2})
	openAccount(t, r, "cust-1")

	rec := do(t, r, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeAs[reconcile.SweepResult](t, rec)
	assert.Equal(t, 1, res.Accounts)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/admin/sweep", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, r, http.MethodPost, "/api/admin/sweep", nil).Code)
}

func TestScenarioRoutes(t *testing.T) {
	off := setupRouter(t, RouterOptions{})
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/api/scenarios", nil).Code)

	r := setupRouter(t, RouterOptions{Scenarios: true})
	rec := do(t, r, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]currentaccount.Scenario](t, rec), len(currentaccount.Scenarios()))

	rec = do(t, r, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "overpayment"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loaded := decodeAs[currentaccount.ScenarioResult](t, rec)

	rec = do(t, r, http.MethodGet, "/api/accounts/"+string(loaded.AccountID)+"/balance", nil)
	assert.Equal(t, "-50.00", decodeAs[BalanceDTO](t, rec).CurrentBalance)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# metrics"))
	})
	r := setupRouter(t, RouterOptions{Metrics: metrics})

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/healthz", nil).Code)
	rec := do(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}
