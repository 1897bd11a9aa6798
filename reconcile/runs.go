package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/account-ledger/ledger"
)

// Run is a persisted reconciliation, kept for audit.
type Run struct {
	ID        string           `json:"id"`
	AccountID ledger.AccountID `json:"account_id"`
	Report    Report           `json:"report"`
	CreatedAt time.Time        `json:"created_at"`
}

// RunStore persists reconciliation runs.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error

	// ListRuns returns the account's runs, newest first. limit <= 0 means all.
	ListRuns(ctx context.Context, accountID ledger.AccountID, limit int) ([]Run, error)
}

// MemoryRunStore keeps runs in memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[ledger.AccountID][]Run
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[ledger.AccountID][]Run)}
}

func (s *MemoryRunStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.AccountID] = append(s.runs[run.AccountID], run)
	return nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context, accountID ledger.AccountID, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Run(nil), s.runs[accountID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
