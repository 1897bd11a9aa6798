// Package app assembles the ledger components from configuration. Both the
// HTTP server and the ledgerctl command build on it.
package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/account-ledger/config"
	"github.com/warp/account-ledger/currentaccount"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/metrics"
	"github.com/warp/account-ledger/reconcile"
	"github.com/warp/account-ledger/store/sqlite"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    *sqlite.Store
	Ledger   *ledger.Ledger
	Engine   *reconcile.Engine
	Sweeper  *reconcile.Sweeper
	Service  *currentaccount.Service
}

// New opens the store and builds the service graph. The caller owns Close.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DBPath != ":memory:" {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	l := ledger.New(store, ledger.WithLogger(log), ledger.WithMetrics(m))
	engine := reconcile.NewEngine(l,
		reconcile.WithRunStore(store),
		reconcile.WithBatchSize(cfg.ReconcileBatchSize),
		reconcile.WithLogger(log),
		reconcile.WithMetrics(m),
	)
	sweeper := reconcile.NewSweeper(engine, store, reconcile.SweepConfig{
		Interval:    cfg.SweepInterval,
		Concurrency: cfg.SweepConcurrency,
		Enabled:     cfg.SweepEnabled,
	}, log)

	svc := currentaccount.NewService(currentaccount.Config{
		Ledger:  l,
		Engine:  engine,
		Sweeper: sweeper,
		Sales:   store,
		Logger:  log,
		Metrics: m,
	})

	return &App{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  m,
		Store:    store,
		Ledger:   l,
		Engine:   engine,
		Sweeper:  sweeper,
		Service:  svc,
	}, nil
}

// Close stops the sweeper and closes the database.
func (a *App) Close() error {
	a.Sweeper.Stop()
	return a.Store.Close()
}
