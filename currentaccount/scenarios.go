/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Provides pre-built scenarios that drive realistic event sequences through
	the Service. Each scenario opens a fresh account for a new demo customer
	and replays a short history that exercises one feature of the ledger.

AVAILABLE SCENARIOS:

	simple-debt:       Two sales, nothing paid
	overpayment:       Payment larger than the sale leaves a credit in favor
	fifo-reconcile:    Unapplied payment allocated oldest-sale-first
	credit-pool:       Credit grant consumed against a sale
	annulment:         One of two sales annulled
	backdated-payment: Late-entered payment leaves stale snapshots behind

HOW SCENARIOS WORK:
 1. Open an account for "demo-<scenario>-<short uuid>"
 2. Register events through the Service (same path as the API)
 3. Optionally reconcile

Nothing is reset: loading a scenario twice gives two independent accounts.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "fifo-reconcile"}

SEE ALSO:
  - api/handlers.go: ListScenarios, LoadScenario handlers
*/
package currentaccount

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario describes a loadable demo history.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Scenario{
	{
		ID:          "simple-debt",
		Name:        "Simple Debt",
		Description: "Two sales charged to the account, nothing paid yet",
	},
	{
		ID:          "overpayment",
		Name:        "Overpayment",
		Description: "Payment above the sale total leaves a credit in favor",
	},
	{
		ID:          "fifo-reconcile",
		Name:        "FIFO Reconciliation",
		Description: "An unapplied payment is allocated to the oldest sales first",
	},
	{
		ID:          "credit-pool",
		Name:        "Credit Pool",
		Description: "Granted credit consumed against a sale",
	},
	{
		ID:          "annulment",
		Name:        "Sale Annulment",
		Description: "One of two sales is annulled and its receivable rejected",
	},
	{
		ID:          "backdated-payment",
		Name:        "Back-dated Payment",
		Description: "A payment entered late leaves stale snapshots for diagnose and replay",
	},
}

// Scenarios returns the available demo scenarios.
func Scenarios() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// ScenarioResult identifies the account a scenario populated.
type ScenarioResult struct {
	Scenario   Scenario          `json:"scenario"`
	AccountID  ledger.AccountID  `json:"account_id"`
	CustomerID ledger.CustomerID `json:"customer_id"`
}

// LoadScenario opens a demo account and replays the scenario's events.
func (s *Service) LoadScenario(ctx context.Context, id string) (ScenarioResult, error) {
	var sc *Scenario
	for i := range scenarios {
		if scenarios[i].ID == id {
			sc = &scenarios[i]
			break
		}
	}
	if sc == nil {
		return ScenarioResult{}, fmt.Errorf("%w: unknown scenario %q", ledger.ErrInvalidInput, id)
	}

	customer := ledger.CustomerID(fmt.Sprintf("demo-%s-%s", sc.ID, uuid.NewString()[:8]))
	acct, err := s.OpenAccount(ctx, customer, nil)
	if err != nil {
		return ScenarioResult{}, err
	}

	l := scenarioLoader{s: s, acct: acct.ID, prefix: string(customer), base: scenarioBase()}
	switch sc.ID {
	case "simple-debt":
		err = l.simpleDebt(ctx)
	case "overpayment":
		err = l.overpayment(ctx)
	case "fifo-reconcile":
		err = l.fifoReconcile(ctx)
	case "credit-pool":
		err = l.creditPool(ctx)
	case "annulment":
		err = l.annulment(ctx)
	case "backdated-payment":
		err = l.backdatedPayment(ctx)
	}
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("load scenario %s: %w", sc.ID, err)
	}

	s.log.Info("scenario loaded",
		zap.String("scenario", sc.ID),
		zap.String("account_id", string(acct.ID)),
		zap.String("customer_id", string(customer)))
	return ScenarioResult{Scenario: *sc, AccountID: acct.ID, CustomerID: customer}, nil
}

// scenarioBase is midnight UTC thirty days ago, so every event is in the past.
func scenarioBase() time.Time {
	return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -30)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type scenarioLoader struct {
	s      *Service
	acct   ledger.AccountID
	prefix string
	base   time.Time
}

func (l scenarioLoader) day(n int) time.Time { return l.base.AddDate(0, 0, n) }

func (l scenarioLoader) saleID(n int) ledger.SaleID {
	return ledger.SaleID(fmt.Sprintf("%s-S%d", l.prefix, n))
}

func (l scenarioLoader) sale(ctx context.Context, n int, amount string, day int) error {
	_, err := l.s.RegisterSale(ctx, SaleInput{
		AccountID: l.acct,
		SaleID:    l.saleID(n),
		Amount:    decimal.RequireFromString(amount),
		Date:      l.day(day),
	})
	return err
}

// payment applies to sale n when n > 0.
func (l scenarioLoader) payment(ctx context.Context, n int, amount string, day int) error {
	in := PaymentInput{
		AccountID: l.acct,
		Amount:    decimal.RequireFromString(amount),
		Date:      l.day(day),
	}
	if n > 0 {
		in.SaleID = l.saleID(n)
	}
	_, err := l.s.RegisterPayment(ctx, in)
	return err
}

func (l scenarioLoader) simpleDebt(ctx context.Context) error {
	if err := l.sale(ctx, 1, "200.00", 1); err != nil {
		return err
	}
	return l.sale(ctx, 2, "100.00", 4)
}

func (l scenarioLoader) overpayment(ctx context.Context) error {
	if err := l.sale(ctx, 1, "100.00", 1); err != nil {
		return err
	}
	return l.payment(ctx, 1, "150.00", 3)
}

func (l scenarioLoader) fifoReconcile(ctx context.Context) error {
	if err := l.sale(ctx, 1, "100.00", 1); err != nil {
		return err
	}
	if err := l.sale(ctx, 2, "50.00", 2); err != nil {
		return err
	}
	if err := l.payment(ctx, 0, "120.00", 3); err != nil {
		return err
	}
	_, err := l.s.Reconcile(ctx, l.acct)
	return err
}

func (l scenarioLoader) creditPool(ctx context.Context) error {
	if _, err := l.s.GrantCredit(ctx, GrantInput{
		AccountID: l.acct,
		Amount:    decimal.NewFromInt(100),
		Date:      l.day(1),
		Notes:     "welcome credit",
	}); err != nil {
		return err
	}
	if err := l.sale(ctx, 1, "80.00", 2); err != nil {
		return err
	}
	_, err := l.s.ConsumeCredit(ctx, ConsumeInput{
		AccountID: l.acct,
		Amount:    decimal.NewFromInt(80),
		Date:      l.day(3),
		SaleID:    l.saleID(1),
	})
	return err
}

func (l scenarioLoader) annulment(ctx context.Context) error {
	if err := l.sale(ctx, 1, "100.00", 1); err != nil {
		return err
	}
	if err := l.sale(ctx, 2, "40.00", 2); err != nil {
		return err
	}
	_, err := l.s.AnnulSale(ctx, AnnulInput{
		AccountID: l.acct,
		SaleID:    l.saleID(1),
		Date:      l.day(5),
		Notes:     "returned goods",
	})
	return err
}

// The day-3 payment is entered after the day-5 sale, so the sale's
// snapshots still assume nothing was paid.
func (l scenarioLoader) backdatedPayment(ctx context.Context) error {
	if err := l.sale(ctx, 1, "100.00", 1); err != nil {
		return err
	}
	if err := l.sale(ctx, 2, "50.00", 5); err != nil {
		return err
	}
	return l.payment(ctx, 0, "60.00", 3)
}
