/*
sweeper.go - Scheduled reconciliation of every account

PURPOSE:
  Runs Engine.Reconcile over all accounts, periodically or on demand.
  Accounts are independent, so they are reconciled in parallel with a
  bounded number of workers. One account failing is logged and counted;
  it never aborts the sweep.

CONFIGURATION:
  - Interval:    how often to sweep (SWEEP_INTERVAL, default 1h)
  - Concurrency: parallel accounts (SWEEP_CONCURRENCY, default 4)
  - Enabled:     whether Start launches the ticker (SWEEP_ENABLED)

USAGE:
  sweeper := reconcile.NewSweeper(engine, store, reconcile.SweepConfig{...})
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - engine.go: the per-account state machine
  - api/handlers.go: POST /api/admin/sweep (manual sweep)
*/
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/account-ledger/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepConfig configures a Sweeper.
type SweepConfig struct {
	Interval    time.Duration
	Concurrency int
	Enabled     bool
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Accounts     int           `json:"accounts"`
	Reconciled   int           `json:"reconciled"`
	Failed       int           `json:"failed"`
	Corrected    int           `json:"corrected"`
	SalesTouched int           `json:"sales_touched"`
	Partial      bool          `json:"partial"`
	Duration     time.Duration `json:"duration_ns"`
}

// Sweeper reconciles all accounts on a ticker.
type Sweeper struct {
	engine *Engine
	store  ledger.Store
	cfg    SweepConfig
	log    *zap.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper. Zero config values fall back to defaults.
func NewSweeper(engine *Engine, store ledger.Store, cfg SweepConfig, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{engine: engine, store: store, cfg: cfg, log: log.Named("reconcile.sweep")}
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Info("sweeper disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.cfg.Interval)
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("sweeper started", zap.Duration("interval", s.cfg.Interval), zap.Int("concurrency", s.cfg.Concurrency))
}

// Stop cancels an in-flight sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.Sweep(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep reconciles every account once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.log.Error("list accounts", zap.Error(err))
		return SweepResult{}, err
	}

	var reconciled, failed, corrected, touched atomic.Int64
	var partial atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, acct := range accounts {
		if gctx.Err() != nil {
			partial.Store(true)
			break
		}
		id := acct.ID
		g.Go(func() error {
			report, err := s.engine.Reconcile(gctx, id)
			if err != nil {
				failed.Add(1)
				s.log.Warn("account reconciliation failed", zap.String("account_id", string(id)), zap.Error(err))
				return nil
			}
			reconciled.Add(1)
			touched.Add(int64(report.SalesTouched))
			if report.PriorState != StateConsistent {
				corrected.Add(1)
			}
			if report.Partial {
				partial.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{
		Accounts:     len(accounts),
		Reconciled:   int(reconciled.Load()),
		Failed:       int(failed.Load()),
		Corrected:    int(corrected.Load()),
		SalesTouched: int(touched.Load()),
		Partial:      partial.Load(),
		Duration:     time.Since(start),
	}
	if res.Corrected > 0 || res.Failed > 0 {
		s.log.Info("sweep completed",
			zap.Int("accounts", res.Accounts),
			zap.Int("corrected", res.Corrected),
			zap.Int("failed", res.Failed),
			zap.Int("sales_touched", res.SalesTouched),
			zap.Duration("duration", res.Duration))
	}
	return res, nil
}
