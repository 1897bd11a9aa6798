package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/account-ledger/config"
	"github.com/warp/account-ledger/currentaccount"
	"go.uber.org/zap/zaptest"
)

func testConfig(dbPath string) *config.Config {
	return &config.Config{
		DBPath:             dbPath,
		LogFormat:          "pretty",
		ReconcileBatchSize: 10,
		SweepInterval:      time.Hour,
		SweepConcurrency:   1,
		AdminRateLimit:     10,
	}
}

func TestNew_WiresServiceAndMetrics(t *testing.T) {
	// GIVEN: A file database in a directory that does not exist yet
	// WHEN: Building the app and charging a sale
	// THEN: The directory is created and the movement counter moves

	dbPath := filepath.Join(t.TempDir(), "nested", "ledger.db")
	a, err := New(testConfig(dbPath), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctx := context.Background()
	acct, err := a.Service.OpenAccount(ctx, "cust-1", nil)
	require.NoError(t, err)
	_, err = a.Service.RegisterSale(ctx, currentaccount.SaleInput{
		AccountID: acct.ID, SaleID: "S1", Amount: decimal.NewFromInt(25), Date: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Store.Ping(ctx))

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ledger_movements_appended_total")
}

func TestClose_StopsIdleSweeper(t *testing.T) {
	a, err := New(testConfig(":memory:"), nil)
	require.NoError(t, err)

	assert.NoError(t, a.Close())
}
