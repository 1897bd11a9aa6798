/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the ledger using SQLite. In
  production the same patterns apply to PostgreSQL with minor dialect changes
  (SELECT ... FOR UPDATE on the account row instead of the in-process lock).

INTERFACES IMPLEMENTED:
  ledger.Store:        accounts and movements, per-account transactions
  receivables.Store:   the sales stand-in
  receivables.View:    transaction-bound, via Tx.Receivables()
  reconcile.RunStore:  persisted reconciliation reports

APPEND-ONLY ENFORCEMENT:
  Movements are never deleted. The only UPDATEs on the movements table are:
  - balance_before / balance_after (full replay)
  - deleted_at (soft delete)

KEY TABLES:
  accounts:            one row per customer, with the balance cache
  movements:           the ledger
  sales:               receivables owned by the sales subsystem
  reconciliation_runs: audit of every reconciliation

INDEXES:
  - idx_movements_account_order: replay order (hot path)
  - idx_movements_unique_sale_kind: duplicate guard for (account, sale, kind)
  - idx_sales_customer_date: pending sales, oldest first

CONCURRENCY:
  One writer: the pool is capped at a single connection and every mutation
  holds the account's in-process lock for the whole transaction. Readers
  outside a transaction wait for the connection.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/account-ledger/ledger"
	"github.com/warp/account-ledger/receivables"
	"github.com/warp/account-ledger/reconcile"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db    *sql.DB
	locks *ledger.AccountLocks
	now   func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection also keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:    db,
		locks: ledger.NewAccountLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (one per customer, balance columns are a replayable cache)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL UNIQUE,
		credit_limit TEXT,
		current_balance TEXT NOT NULL DEFAULT '0',
		accumulated_credit TEXT NOT NULL DEFAULT '0',
		last_movement_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		movement_date TEXT NOT NULL,
		sale_ref TEXT,
		forced INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_movements_account_order
		ON movements(account_id, movement_date, id);

	-- CRITICAL: one live movement per (account, sale, kind) unless forced
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_unique_sale_kind
		ON movements(account_id, sale_ref, kind)
		WHERE sale_ref IS NOT NULL AND deleted_at IS NULL AND forced = 0;

	-- Sales (receivables, owned by the sales subsystem)
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		total TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		sale_date TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_customer_date
		ON sales(customer_id, sale_date, id);

	-- Reconciliation Runs (audit)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		prior_state TEXT NOT NULL,
		corrected_state TEXT NOT NULL,
		sales_touched INTEGER NOT NULL DEFAULT 0,
		partial INTEGER NOT NULL DEFAULT 0,
		report_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_account
		ON reconciliation_runs(account_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, customer_id, credit_limit, current_balance, accumulated_credit,
	last_movement_at, version, created_at`

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	var limit sql.NullString
	if acct.CreditLimit != nil {
		limit = sql.NullString{String: acct.CreditLimit.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, customer_id, credit_limit, current_balance, accumulated_credit,
			last_movement_at, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		acct.ID, acct.CustomerID, limit,
		acct.CurrentBalance.String(), acct.AccumulatedCredit.String(),
		formatNullTime(acct.LastMovementAt), formatTime(acct.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acct.CustomerID)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return acct, err
}

func (s *Store) FindAccountByCustomer(ctx context.Context, customerID ledger.CustomerID) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE customer_id = ?`, customerID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: customer %s", ledger.ErrAccountNotFound, customerID)
	}
	return acct, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		acct                          ledger.Account
		limit, lastMovement           sql.NullString
		balance, accumulated, created string
	)
	if err := row.Scan(&acct.ID, &acct.CustomerID, &limit, &balance, &accumulated,
		&lastMovement, &acct.Version, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acct, err
		}
		return acct, fmt.Errorf("failed to scan account: %w", err)
	}

	var err error
	if acct.CurrentBalance, err = parseDecimal(balance); err != nil {
		return acct, err
	}
	if acct.AccumulatedCredit, err = parseDecimal(accumulated); err != nil {
		return acct, err
	}
	if limit.Valid {
		l, err := parseDecimal(limit.String)
		if err != nil {
			return acct, err
		}
		acct.CreditLimit = &l
	}
	if acct.LastMovementAt, err = parseNullTime(lastMovement); err != nil {
		return acct, err
	}
	acct.CreatedAt, err = parseTime(created)
	return acct, err
}

// =============================================================================
// MOVEMENTS
// =============================================================================

const movementColumns = `id, account_id, kind, amount, balance_before, balance_after,
	movement_date, sale_ref, metadata_json, created_at, deleted_at`

func (s *Store) GetMovement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+movementColumns+` FROM movements WHERE id = ?`, id)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Movement{}, fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, id)
	}
	return m, err
}

func (s *Store) Movements(ctx context.Context, accountID ledger.AccountID, includeDeleted bool) ([]ledger.Movement, error) {
	if _, err := getAccount(ctx, s.db, accountID); err != nil {
		return nil, err
	}
	return listMovements(ctx, s.db, accountID, includeDeleted)
}

func listMovements(ctx context.Context, q querier, accountID ledger.AccountID, includeDeleted bool) ([]ledger.Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM movements WHERE account_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY movement_date, id`

	rows, err := q.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []ledger.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func scanMovement(row scanner) (ledger.Movement, error) {
	var (
		m                            ledger.Movement
		kind                         string
		amount, before, after        string
		movementDate, created        string
		saleRef, metadata, deletedAt sql.NullString
	)
	if err := row.Scan(&m.ID, &m.AccountID, &kind, &amount, &before, &after,
		&movementDate, &saleRef, &metadata, &created, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	var err error
	if m.Kind, err = ledger.ParseKind(kind); err != nil {
		return m, err
	}
	if m.Amount, err = parseDecimal(amount); err != nil {
		return m, err
	}
	if m.BalanceBefore, err = parseDecimal(before); err != nil {
		return m, err
	}
	if m.BalanceAfter, err = parseDecimal(after); err != nil {
		return m, err
	}
	if m.MovementDate, err = parseTime(movementDate); err != nil {
		return m, err
	}
	if m.CreatedAt, err = parseTime(created); err != nil {
		return m, err
	}
	if m.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return m, err
	}
	m.SaleRef = ledger.SaleID(saleRef.String)
	if metadata.Valid && metadata.String != "" {
		m.Metadata = &ledger.Metadata{}
		if err := json.Unmarshal([]byte(metadata.String), m.Metadata); err != nil {
			return m, fmt.Errorf("movement %d: bad metadata: %w", m.ID, err)
		}
	}
	return m, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx interface)
// =============================================================================

// WithAccountTx executes fn within a database transaction while holding the
// account's lock.
func (s *Store) WithAccountTx(ctx context.Context, accountID ledger.AccountID, fn func(ledger.Tx) error) error {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	acct, err := getAccount(ctx, sqlTx, accountID)
	if err != nil {
		return err
	}

	ts := &txStore{tx: sqlTx, parent: s, accountID: accountID, customerID: acct.CustomerID}
	if err := fn(ts); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx         *sql.Tx
	parent     *Store
	accountID  ledger.AccountID
	customerID ledger.CustomerID
}

func (ts *txStore) Account(ctx context.Context) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, ts.accountID)
}

func (ts *txStore) Movements(ctx context.Context, includeDeleted bool) ([]ledger.Movement, error) {
	return listMovements(ctx, ts.tx, ts.accountID, includeDeleted)
}

func (ts *txStore) HasMovement(ctx context.Context, saleRef ledger.SaleID, kind ledger.Kind) (bool, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM movements
		WHERE account_id = ? AND sale_ref = ? AND kind = ? AND deleted_at IS NULL`,
		ts.accountID, saleRef, kind,
	).Scan(&count)
	return count > 0, err
}

func (ts *txStore) FindMovement(ctx context.Context, saleRef ledger.SaleID, kind ledger.Kind) (ledger.Movement, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+movementColumns+` FROM movements
		WHERE account_id = ? AND sale_ref = ? AND kind = ? AND deleted_at IS NULL
		ORDER BY movement_date, id LIMIT 1`,
		ts.accountID, saleRef, kind)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Movement{}, fmt.Errorf("%w: %s for sale %s", ledger.ErrMovementNotFound, kind, saleRef)
	}
	return m, err
}

func (ts *txStore) InsertMovement(ctx context.Context, m ledger.Movement) (ledger.Movement, error) {
	m.AccountID = ts.accountID
	m.CreatedAt = ts.parent.now()

	var metadataJSON sql.NullString
	forced := 0
	if m.Metadata != nil {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return m, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
		if m.Metadata.Forced {
			forced = 1
		}
	}

	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO movements
		(account_id, kind, amount, balance_before, balance_after, movement_date,
		 sale_ref, forced, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, m.Kind, m.Amount.String(),
		m.BalanceBefore.String(), m.BalanceAfter.String(),
		formatTime(m.MovementDate), nullString(string(m.SaleRef)), forced,
		metadataJSON, formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return m, &ledger.DuplicateMovementError{AccountID: m.AccountID, SaleRef: m.SaleRef, Kind: m.Kind}
		}
		return m, fmt.Errorf("failed to insert movement: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return m, err
	}
	m.ID = ledger.MovementID(id)
	return m, nil
}

func (ts *txStore) UpdateSnapshots(ctx context.Context, ms []ledger.Movement) error {
	stmt, err := ts.tx.PrepareContext(ctx, `
		UPDATE movements SET balance_before = ?, balance_after = ?
		WHERE id = ? AND account_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range ms {
		res, err := stmt.ExecContext(ctx, m.BalanceBefore.String(), m.BalanceAfter.String(), m.ID, ts.accountID)
		if err != nil {
			return fmt.Errorf("failed to update snapshot of movement %d: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, m.ID)
		}
	}
	return nil
}

func (ts *txStore) SoftDeleteMovement(ctx context.Context, id ledger.MovementID, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE movements SET deleted_at = ?
		WHERE id = ? AND account_id = ? AND deleted_at IS NULL`,
		formatTime(at), id, ts.accountID)
	if err != nil {
		return fmt.Errorf("failed to delete movement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, id)
	}
	return nil
}

func (ts *txStore) WriteCache(ctx context.Context, c ledger.Cache) error {
	_, err := ts.tx.ExecContext(ctx, `
		UPDATE accounts
		SET current_balance = ?, accumulated_credit = ?, last_movement_at = ?, version = version + 1
		WHERE id = ?`,
		c.CurrentBalance.String(), c.AccumulatedCredit.String(), formatNullTime(c.LastMovementAt), ts.accountID)
	if err != nil {
		return fmt.Errorf("failed to write account cache: %w", err)
	}
	return nil
}

func (ts *txStore) Receivables() receivables.View {
	return &txView{ts: ts}
}

// =============================================================================
// SALES (receivables.Store and the transaction-bound view)
// =============================================================================

const saleColumns = `id, customer_id, total, paid_amount, status, sale_date`

// SaveSale creates or replaces a sale.
func (s *Store) SaveSale(ctx context.Context, sale receivables.Sale) error {
	sale, err := receivables.Normalize(sale)
	if err != nil {
		return err
	}
	return upsertSale(ctx, s.db, sale, s.now())
}

func upsertSale(ctx context.Context, q querier, sale receivables.Sale, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, total, paid_amount, status, sale_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			total = excluded.total,
			paid_amount = excluded.paid_amount,
			status = excluded.status,
			sale_date = excluded.sale_date,
			updated_at = excluded.updated_at`,
		sale.ID, sale.CustomerID, sale.Total.String(), sale.PaidAmount.String(),
		sale.Status, formatTime(sale.Date), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save sale: %w", err)
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, id receivables.SaleID) (receivables.Sale, error) {
	return getSale(ctx, s.db, id)
}

func getSale(ctx context.Context, q querier, id receivables.SaleID) (receivables.Sale, error) {
	row := q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return receivables.Sale{}, fmt.Errorf("%w: %s", receivables.ErrSaleNotFound, id)
	}
	return sale, err
}

func (s *Store) ListSales(ctx context.Context, customerID receivables.CustomerID) ([]receivables.Sale, error) {
	return listSales(ctx, s.db, customerID, false)
}

func listSales(ctx context.Context, q querier, customerID receivables.CustomerID, outstandingOnly bool) ([]receivables.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE customer_id = ?`
	if outstandingOnly {
		query += ` AND status NOT IN ('paid', 'rejected')`
	}
	query += ` ORDER BY sale_date, id`

	rows, err := q.QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var sales []receivables.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func scanSale(row scanner) (receivables.Sale, error) {
	var (
		sale                    receivables.Sale
		total, paid, status, at string
	)
	if err := row.Scan(&sale.ID, &sale.CustomerID, &total, &paid, &status, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sale, err
		}
		return sale, fmt.Errorf("failed to scan sale: %w", err)
	}
	var err error
	if sale.Total, err = parseDecimal(total); err != nil {
		return sale, err
	}
	if sale.PaidAmount, err = parseDecimal(paid); err != nil {
		return sale, err
	}
	sale.Status = receivables.PaymentStatus(status)
	sale.Date, err = parseTime(at)
	return sale, err
}

// txView is the receivables view bound to an account transaction. It only
// sees the sales of the account's customer.
type txView struct {
	ts *txStore
}

func (v *txView) PendingSales(ctx context.Context, customerID receivables.CustomerID) ([]receivables.PendingSale, error) {
	if customerID != v.ts.customerID {
		return nil, fmt.Errorf("%w: %s", receivables.ErrForeignCustomer, customerID)
	}
	sales, err := listSales(ctx, v.ts.tx, customerID, true)
	if err != nil {
		return nil, err
	}
	return receivables.ToPending(sales), nil
}

func (v *txView) sale(ctx context.Context, id receivables.SaleID) (receivables.Sale, error) {
	sale, err := getSale(ctx, v.ts.tx, id)
	if err != nil {
		return sale, err
	}
	if sale.CustomerID != v.ts.customerID {
		return receivables.Sale{}, fmt.Errorf("%w: %s", receivables.ErrSaleNotFound, id)
	}
	return sale, nil
}

func (v *txView) ApplyPayment(ctx context.Context, saleID receivables.SaleID, amount decimal.Decimal) (receivables.PaymentStatus, error) {
	sale, err := v.sale(ctx, saleID)
	if err != nil {
		return "", err
	}
	status, err := receivables.Apply(&sale, amount)
	if err != nil {
		return status, err
	}
	return status, upsertSale(ctx, v.ts.tx, sale, v.ts.parent.now())
}

func (v *txView) RejectSale(ctx context.Context, saleID receivables.SaleID) error {
	sale, err := v.sale(ctx, saleID)
	if err != nil {
		return err
	}
	sale.Status = receivables.StatusRejected
	return upsertSale(ctx, v.ts.tx, sale, v.ts.parent.now())
}

func (v *txView) RecordSale(ctx context.Context, sale receivables.Sale) error {
	existing, err := getSale(ctx, v.ts.tx, sale.ID)
	switch {
	case err == nil:
		if existing.CustomerID != v.ts.customerID {
			return fmt.Errorf("%w: sale %s", receivables.ErrForeignCustomer, sale.ID)
		}
		return nil
	case !errors.Is(err, receivables.ErrSaleNotFound):
		return err
	}
	sale.CustomerID = v.ts.customerID
	sale, err = receivables.Normalize(sale)
	if err != nil {
		return err
	}
	return upsertSale(ctx, v.ts.tx, sale, v.ts.parent.now())
}

// =============================================================================
// RECONCILIATION RUNS (reconcile.RunStore interface)
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, run reconcile.Run) error {
	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	partial := 0
	if run.Report.Partial {
		partial = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, account_id, prior_state, corrected_state, sales_touched, partial, report_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AccountID, run.Report.PriorState, run.Report.CorrectedState,
		run.Report.SalesTouched, partial, string(report), formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, accountID ledger.AccountID, limit int) ([]reconcile.Run, error) {
	query := `
		SELECT id, account_id, report_json, created_at
		FROM reconciliation_runs
		WHERE account_id = ?
		ORDER BY created_at DESC, id`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []reconcile.Run
	for rows.Next() {
		var (
			r                 reconcile.Run
			report, createdAt string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &report, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(report), &r.Report); err != nil {
			return nil, fmt.Errorf("run %s: bad report: %w", r.ID, err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad decimal %q: %w", s, err)
	}
	return d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ ledger.Store         = (*Store)(nil)
	_ receivables.Store    = (*Store)(nil)
	_ reconcile.RunStore   = (*Store)(nil)
	_ receivables.Rejecter = (*txView)(nil)
	_ receivables.Recorder = (*txView)(nil)
)
