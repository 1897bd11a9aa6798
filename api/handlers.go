/*
handlers.go - HTTP API handlers for the current-account ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to currentaccount.Service.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                        List accounts
    POST   /api/accounts                        Open account
    GET    /api/accounts/{id}                   Account details
    GET    /api/accounts/{id}/balance           Balance and available credit
    GET    /api/accounts/{id}/movements         Ledger (?include_deleted=true)

  Business events:
    POST   /api/accounts/{id}/sales             Charge a sale
    POST   /api/accounts/{id}/payments          Register a payment
    POST   /api/accounts/{id}/annulments        Annul a sale
    POST   /api/accounts/{id}/adjustments       Manual adjustment
    POST   /api/accounts/{id}/credits/grant     Grant credit / deposit
    POST   /api/accounts/{id}/credits/consume   Consume credit
    DELETE /api/movements/{id}                  Soft-delete a movement

  Repair:
    POST   /api/accounts/{id}/reconcile         Reconcile now
    GET    /api/accounts/{id}/diagnose          Dry-run reconciliation
    POST   /api/accounts/{id}/replay            Full replay (?dry_run=true)
    GET    /api/accounts/{id}/reconciliations   Past runs (?limit=N)
    POST   /api/admin/sweep                     Reconcile every account

  Sales stand-in:
    POST   /api/sales                           Create or replace a receivable
    GET    /api/customers/{id}/sales            A customer's receivables

  Demo (non-production only):
    GET    /api/scenarios                       Available scenarios
    POST   /api/scenarios/load                  Load a scenario into a new account

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid amount or kind
  - 404: Account, movement or sale not found
  - 409: Duplicate movement, dependent movement, account exists
  - 500: Replay divergence and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/currentaccount"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/receivables"
	"github.com/warp/account-ledger/reconcile"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *currentaccount.Service
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

// NewHandler creates a new handler over the service.
func NewHandler(svc *currentaccount.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service:  svc,
		validate: validator.New(),
		log:      log.Named("api"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns all accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Service.ListAccounts(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// OpenAccount creates a customer's account.
// POST /api/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	var limit *decimal.Decimal
	if req.CreditLimit != nil {
		d, err := decimal.NewFromString(*req.CreditLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid credit_limit", err)
			return
		}
		limit = &d
	}
	acct, err := h.Service.OpenAccount(r.Context(), ledger.CustomerID(req.CustomerID), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Service.GetAccount(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetBalance returns current balance, accumulated and available credit.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.GetBalance(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// ListMovements returns the ledger in (movement_date, id) order.
// GET /api/accounts/{id}/movements?include_deleted=true
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	ms, err := h.Service.Movements(r.Context(), accountID(r), includeDeleted)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(ms))
}

// =============================================================================
// BUSINESS EVENT HANDLERS
// =============================================================================

// RegisterSale charges a sale.
// POST /api/accounts/{id}/sales
func (h *Handler) RegisterSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, date, ok := h.amountAndDate(w, req.Amount, req.Date)
	if !ok {
		return
	}
	m, err := h.Service.RegisterSale(r.Context(), currentaccount.SaleInput{
		AccountID: accountID(r),
		SaleID:    ledger.SaleID(req.SaleID),
		Amount:    amount,
		Date:      date,
	})
	h.writeMovement(w, m, err)
}

// RegisterPayment records a payment, optionally applied to a sale.
// POST /api/accounts/{id}/payments
func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, date, ok := h.amountAndDate(w, req.Amount, req.Date)
	if !ok {
		return
	}
	var kind ledger.Kind
	if req.Kind != "" {
		k, err := ledger.ParseKind(req.Kind)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		kind = k
	}
	m, err := h.Service.RegisterPayment(r.Context(), currentaccount.PaymentInput{
		AccountID: accountID(r),
		SaleID:    ledger.SaleID(req.SaleID),
		Amount:    amount,
		Date:      date,
		Kind:      kind,
		Force:     req.Force,
		Notes:     req.Notes,
	})
	h.writeMovement(w, m, err)
}

// AnnulSale reverses a sale.
// POST /api/accounts/{id}/annulments
func (h *Handler) AnnulSale(w http.ResponseWriter, r *http.Request) {
	var req AnnulRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := h.parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	m, err := h.Service.AnnulSale(r.Context(), currentaccount.AnnulInput{
		AccountID: accountID(r),
		SaleID:    ledger.SaleID(req.SaleID),
		Date:      date,
		Notes:     req.Notes,
	})
	h.writeMovement(w, m, err)
}

// Adjust records a manual correction.
// POST /api/accounts/{id}/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, date, ok := h.amountAndDate(w, req.Amount, req.Date)
	if !ok {
		return
	}
	m, err := h.Service.Adjust(r.Context(), currentaccount.AdjustInput{
		AccountID: accountID(r),
		InFavor:   req.Direction == "in_favor",
		Amount:    amount,
		Date:      date,
		SaleID:    ledger.SaleID(req.SaleID),
		Notes:     req.Notes,
	})
	h.writeMovement(w, m, err)
}

// GrantCredit adds to the accumulated credit pool.
// POST /api/accounts/{id}/credits/grant
func (h *Handler) GrantCredit(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, date, ok := h.amountAndDate(w, req.Amount, req.Date)
	if !ok {
		return
	}
	m, err := h.Service.GrantCredit(r.Context(), currentaccount.GrantInput{
		AccountID: accountID(r),
		Amount:    amount,
		Date:      date,
		Notes:     req.Notes,
		Deposit:   req.Deposit,
	})
	h.writeMovement(w, m, err)
}

// ConsumeCredit spends credit.
// POST /api/accounts/{id}/credits/consume
func (h *Handler) ConsumeCredit(w http.ResponseWriter, r *http.Request) {
	var req ConsumeCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, date, ok := h.amountAndDate(w, req.Amount, req.Date)
	if !ok {
		return
	}
	m, err := h.Service.ConsumeCredit(r.Context(), currentaccount.ConsumeInput{
		AccountID: accountID(r),
		Amount:    amount,
		Date:      date,
		SaleID:    ledger.SaleID(req.SaleID),
	})
	h.writeMovement(w, m, err)
}

// DeleteMovement soft-deletes a movement.
// DELETE /api/movements/{id}
func (h *Handler) DeleteMovement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid movement id", err)
		return
	}
	if err := h.Service.DeleteMovement(r.Context(), ledger.MovementID(id)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REPAIR HANDLERS
// =============================================================================

// Reconcile runs the reconciliation state machine for one account.
// POST /api/accounts/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Reconcile(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Diagnose reports what Reconcile would do.
// GET /api/accounts/{id}/diagnose
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Diagnose(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Replay recomputes the ledger; applies it unless dry_run=true.
// POST /api/accounts/{id}/replay
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	apply := r.URL.Query().Get("dry_run") != "true"
	out, err := h.Service.Replay(r.Context(), accountID(r), apply)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	corrections := out.Corrections
	if corrections == nil {
		corrections = []ledger.Correction{}
	}
	writeJSON(w, http.StatusOK, ReplayDTO{
		AccountID:         string(out.Replay.AccountID),
		FinalBalance:      money(out.Replay.FinalBalance),
		AccumulatedCredit: money(out.Replay.AccumulatedCredit),
		Applied:           out.Applied,
		Movements:         toMovementDTOs(out.Replay.Movements),
		Corrections:       corrections,
	})
}

// ListReconciliations returns persisted runs, newest first.
// GET /api/accounts/{id}/reconciliations?limit=N
func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Service.Reconciliations(r.Context(), accountID(r), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []reconcile.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Sweep reconciles every account.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Sweep(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// SALES STAND-IN HANDLERS
// =============================================================================

// CreateSale creates or replaces a receivable.
// POST /api/sales
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, date, ok := h.amountAndDate(w, req.Total, req.Date)
	if !ok {
		return
	}
	paid := decimal.Zero
	if req.PaidAmount != "" {
		p, err := decimal.NewFromString(req.PaidAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_amount", err)
			return
		}
		paid = p
	}
	sale, err := h.Service.SaveSale(r.Context(), receivables.Sale{
		ID:         receivables.SaleID(req.ID),
		CustomerID: receivables.CustomerID(req.CustomerID),
		Total:      total,
		PaidAmount: paid,
		Date:       date,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(sale))
}

// ListCustomerSales returns a customer's receivables, oldest first.
// GET /api/customers/{id}/sales
func (h *Handler) ListCustomerSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.Service.ListSales(r.Context(), receivables.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]SaleDTO, len(sales))
	for i, s := range sales {
		dtos[i] = toSaleDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentaccount.Scenarios())
}

// LoadScenario opens a demo account and populates it.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.LoadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// HELPERS
// =============================================================================

func accountID(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. On failure it writes a 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) amountAndDate(w http.ResponseWriter, rawAmount, rawDate string) (decimal.Decimal, time.Time, bool) {
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return decimal.Zero, time.Time{}, false
	}
	date, err := h.parseDate(rawDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return decimal.Zero, time.Time{}, false
	}
	return amount, date, true
}

// parseDate accepts RFC 3339 or YYYY-MM-DD; empty means now.
func (h *Handler) parseDate(s string) (time.Time, error) {
	if s == "" {
		return h.now(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

func (h *Handler) writeMovement(w http.ResponseWriter, m ledger.Movement, err error) {
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

// writeDomainError maps ledger errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var dup *ledger.DuplicateMovementError
	var dep *ledger.DependentMovementError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate_movement"})
	case errors.As(err, &dep):
		ids := make([]int64, len(dep.Dependents))
		for i, id := range dep.Dependents {
			ids[i] = int64(id)
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "dependent_movement_exists", Details: ids})
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, ledger.ErrReplayDivergence):
		h.log.Error("replay divergence", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "replay_divergence"})
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
