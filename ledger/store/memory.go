// Package store provides in-memory ledger.Store and receivables.Store
// implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/receivables"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps accounts, movements and sales in maps. Movements of each
// account are kept sorted by (movement_date, id).
type Memory struct {
	mu    sync.Mutex
	locks *ledger.AccountLocks

	accounts   map[ledger.AccountID]ledger.Account
	byCustomer map[ledger.CustomerID]ledger.AccountID
	movements  map[ledger.AccountID][]ledger.Movement
	owner      map[ledger.MovementID]ledger.AccountID
	sales      map[receivables.SaleID]receivables.Sale
	nextID     int64

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		locks:      ledger.NewAccountLocks(),
		accounts:   make(map[ledger.AccountID]ledger.Account),
		byCustomer: make(map[ledger.CustomerID]ledger.AccountID),
		movements:  make(map[ledger.AccountID][]ledger.Movement),
		owner:      make(map[ledger.MovementID]ledger.AccountID),
		sales:      make(map[receivables.SaleID]receivables.Sale),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCustomer[acct.CustomerID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acct.CustomerID)
	}
	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acct.ID)
	}
	m.accounts[acct.ID] = acct
	m.byCustomer[acct.CustomerID] = acct.ID
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountLocked(id)
}

func (m *Memory) accountLocked(id ledger.AccountID) (ledger.Account, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return acct, nil
}

func (m *Memory) FindAccountByCustomer(_ context.Context, customerID ledger.CustomerID) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCustomer[customerID]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: customer %s", ledger.ErrAccountNotFound, customerID)
	}
	return m.accountLocked(id)
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) GetMovement(_ context.Context, id ledger.MovementID) (ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.owner[id]
	if !ok {
		return ledger.Movement{}, fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, id)
	}
	for _, mv := range m.movements[acct] {
		if mv.ID == id {
			return cloneMovement(mv), nil
		}
	}
	return ledger.Movement{}, fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, id)
}

func (m *Memory) Movements(_ context.Context, accountID ledger.AccountID, includeDeleted bool) ([]ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.accountLocked(accountID); err != nil {
		return nil, err
	}
	return m.movementsLocked(accountID, includeDeleted), nil
}

func (m *Memory) movementsLocked(accountID ledger.AccountID, includeDeleted bool) []ledger.Movement {
	src := m.movements[accountID]
	out := make([]ledger.Movement, 0, len(src))
	for _, mv := range src {
		if mv.IsDeleted() && !includeDeleted {
			continue
		}
		out = append(out, cloneMovement(mv))
	}
	return out
}

// insertLocked keeps the slice ordered by (movement_date, id). New ids are
// always the largest, so the insertion point is after every movement dated
// at or before mv.
func (m *Memory) insertLocked(mv ledger.Movement) {
	ms := m.movements[mv.AccountID]
	i := sort.Search(len(ms), func(i int) bool {
		return ms[i].MovementDate.After(mv.MovementDate)
	})
	ms = append(ms, ledger.Movement{})
	copy(ms[i+1:], ms[i:])
	ms[i] = mv
	m.movements[mv.AccountID] = ms
	m.owner[mv.ID] = mv.AccountID
}

func cloneMovement(mv ledger.Movement) ledger.Movement {
	if mv.Metadata != nil {
		md := *mv.Metadata
		md.CreditSources = append([]ledger.CreditSource(nil), mv.Metadata.CreditSources...)
		mv.Metadata = &md
	}
	return mv
}

// =============================================================================
// SALES - stand-in for the sales subsystem
// =============================================================================

func (m *Memory) SaveSale(_ context.Context, sale receivables.Sale) error {
	sale, err := receivables.Normalize(sale)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales[sale.ID] = sale
	return nil
}

func (m *Memory) GetSale(_ context.Context, id receivables.SaleID) (receivables.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[id]
	if !ok {
		return receivables.Sale{}, fmt.Errorf("%w: %s", receivables.ErrSaleNotFound, id)
	}
	return s, nil
}

func (m *Memory) ListSales(_ context.Context, customerID receivables.CustomerID) ([]receivables.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.salesLocked(customerID), nil
}

func (m *Memory) salesLocked(customerID receivables.CustomerID) []receivables.Sale {
	var out []receivables.Sale
	for _, s := range m.sales {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithAccountTx executes fn holding the account lock.
// For the memory store, atomicity is simulated with a snapshot + rollback on error.
func (m *Memory) WithAccountTx(ctx context.Context, accountID ledger.AccountID, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.locks.Lock(accountID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.accountLocked(accountID)
	if err != nil {
		return err
	}
	snap := m.snapshot(acct)
	if err := fn(&memoryTx{parent: m, accountID: accountID, customerID: acct.CustomerID}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	account   ledger.Account
	movements []ledger.Movement
	sales     map[receivables.SaleID]receivables.Sale
	nextID    int64
}

// snapshot copies everything a transaction on acct may touch: the account,
// its movements and its customer's sales.
func (m *Memory) snapshot(acct ledger.Account) memorySnapshot {
	ms := make([]ledger.Movement, len(m.movements[acct.ID]))
	for i, mv := range m.movements[acct.ID] {
		ms[i] = cloneMovement(mv)
	}
	sales := make(map[receivables.SaleID]receivables.Sale)
	for id, s := range m.sales {
		if s.CustomerID == acct.CustomerID {
			sales[id] = s
		}
	}
	return memorySnapshot{account: acct, movements: ms, sales: sales, nextID: m.nextID}
}

func (m *Memory) restore(s memorySnapshot) {
	for _, mv := range m.movements[s.account.ID] {
		if mv.ID > ledger.MovementID(s.nextID) {
			delete(m.owner, mv.ID)
		}
	}
	m.accounts[s.account.ID] = s.account
	m.movements[s.account.ID] = s.movements
	for id, sale := range m.sales {
		if sale.CustomerID == s.account.CustomerID {
			if _, ok := s.sales[id]; !ok {
				delete(m.sales, id)
			}
		}
	}
	for id, sale := range s.sales {
		m.sales[id] = sale
	}
	m.nextID = s.nextID
}

// memoryTx is the transaction-scoped view. The parent mutex is already held.
type memoryTx struct {
	parent     *Memory
	accountID  ledger.AccountID
	customerID ledger.CustomerID
}

func (tx *memoryTx) Account(_ context.Context) (ledger.Account, error) {
	return tx.parent.accountLocked(tx.accountID)
}

func (tx *memoryTx) Movements(_ context.Context, includeDeleted bool) ([]ledger.Movement, error) {
	return tx.parent.movementsLocked(tx.accountID, includeDeleted), nil
}

func (tx *memoryTx) HasMovement(ctx context.Context, saleRef ledger.SaleID, kind ledger.Kind) (bool, error) {
	_, err := tx.FindMovement(ctx, saleRef, kind)
	if ledger.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (tx *memoryTx) FindMovement(_ context.Context, saleRef ledger.SaleID, kind ledger.Kind) (ledger.Movement, error) {
	for _, mv := range tx.parent.movements[tx.accountID] {
		if !mv.IsDeleted() && mv.SaleRef == saleRef && mv.Kind == kind {
			return cloneMovement(mv), nil
		}
	}
	return ledger.Movement{}, fmt.Errorf("%w: %s for sale %s", ledger.ErrMovementNotFound, kind, saleRef)
}

func (tx *memoryTx) InsertMovement(_ context.Context, mv ledger.Movement) (ledger.Movement, error) {
	p := tx.parent
	p.nextID++
	mv.ID = ledger.MovementID(p.nextID)
	mv.AccountID = tx.accountID
	mv.CreatedAt = p.now()
	mv = cloneMovement(mv)
	p.insertLocked(mv)
	return cloneMovement(mv), nil
}

func (tx *memoryTx) UpdateSnapshots(_ context.Context, ms []ledger.Movement) error {
	stored := tx.parent.movements[tx.accountID]
	for _, want := range ms {
		found := false
		for i := range stored {
			if stored[i].ID == want.ID {
				stored[i].BalanceBefore = want.BalanceBefore
				stored[i].BalanceAfter = want.BalanceAfter
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, want.ID)
		}
	}
	return nil
}

func (tx *memoryTx) SoftDeleteMovement(_ context.Context, id ledger.MovementID, at time.Time) error {
	stored := tx.parent.movements[tx.accountID]
	for i := range stored {
		if stored[i].ID == id && !stored[i].IsDeleted() {
			at := at.UTC()
			stored[i].DeletedAt = &at
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, id)
}

func (tx *memoryTx) WriteCache(_ context.Context, c ledger.Cache) error {
	acct, err := tx.parent.accountLocked(tx.accountID)
	if err != nil {
		return err
	}
	acct.CurrentBalance = c.CurrentBalance
	acct.AccumulatedCredit = c.AccumulatedCredit
	acct.LastMovementAt = c.LastMovementAt
	acct.Version++
	tx.parent.accounts[tx.accountID] = acct
	return nil
}

func (tx *memoryTx) Receivables() receivables.View {
	return &memoryView{tx: tx}
}

// =============================================================================
// RECEIVABLES VIEW - bound to the account's customer
// =============================================================================

type memoryView struct {
	tx *memoryTx
}

func (v *memoryView) PendingSales(_ context.Context, customerID receivables.CustomerID) ([]receivables.PendingSale, error) {
	if customerID != v.tx.customerID {
		return nil, fmt.Errorf("%w: %s", receivables.ErrForeignCustomer, customerID)
	}
	return receivables.ToPending(v.tx.parent.salesLocked(customerID)), nil
}

func (v *memoryView) sale(id receivables.SaleID) (receivables.Sale, error) {
	s, ok := v.tx.parent.sales[id]
	if !ok || s.CustomerID != v.tx.customerID {
		return receivables.Sale{}, fmt.Errorf("%w: %s", receivables.ErrSaleNotFound, id)
	}
	return s, nil
}

func (v *memoryView) ApplyPayment(_ context.Context, saleID receivables.SaleID, amount decimal.Decimal) (receivables.PaymentStatus, error) {
	s, err := v.sale(saleID)
	if err != nil {
		return "", err
	}
	status, err := receivables.Apply(&s, amount)
	if err != nil {
		return status, err
	}
	v.tx.parent.sales[saleID] = s
	return status, nil
}

func (v *memoryView) RejectSale(_ context.Context, saleID receivables.SaleID) error {
	s, err := v.sale(saleID)
	if err != nil {
		return err
	}
	s.Status = receivables.StatusRejected
	v.tx.parent.sales[saleID] = s
	return nil
}

func (v *memoryView) RecordSale(_ context.Context, sale receivables.Sale) error {
	if existing, ok := v.tx.parent.sales[sale.ID]; ok {
		if existing.CustomerID != v.tx.customerID {
			return fmt.Errorf("%w: sale %s", receivables.ErrForeignCustomer, sale.ID)
		}
		return nil
	}
	sale.CustomerID = v.tx.customerID
	sale, err := receivables.Normalize(sale)
	if err != nil {
		return err
	}
	v.tx.parent.sales[sale.ID] = sale
	return nil
}

var (
	_ ledger.Store         = (*Memory)(nil)
	_ receivables.Store    = (*Memory)(nil)
	_ receivables.Rejecter = (*memoryView)(nil)
	_ receivables.Recorder = (*memoryView)(nil)
)
