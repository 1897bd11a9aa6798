/*
store.go - Persistence interface for accounts and movements

PURPOSE:
  Defines the boundary between ledger logic and the database. Every
  mutation happens inside WithAccountTx, which gives the callback:
  - exclusive access to one account (per-account serialization)
  - one atomic transaction spanning the account row, its movements and
    the customer's sales in the receivables view

  The same account never proceeds in parallel. Both bundled stores go
  further and serialize every transaction: the memory store runs each
  callback under one store-wide mutex, SQLite holds a single connection.

WRITE PATHS:
  InsertMovement     append one movement (id = next insertion sequence)
  WriteCache         overwrite the account's cached balance/pool/date
  UpdateSnapshots    rewrite balance_before/after (full replay only)
  SoftDeleteMovement mark a movement deleted; it stays for audit

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite with database transactions
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/account-ledger/receivables"
)

// Store handles persistence of accounts and movements.
type Store interface {
	// CreateAccount persists a new account. Fails with ErrAccountExists when
	// the customer already has one.
	CreateAccount(ctx context.Context, acct Account) error

	GetAccount(ctx context.Context, id AccountID) (Account, error)
	FindAccountByCustomer(ctx context.Context, customerID CustomerID) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// GetMovement returns a movement, deleted or not.
	GetMovement(ctx context.Context, id MovementID) (Movement, error)

	// Movements returns the account's movements ordered by (movement_date, id).
	Movements(ctx context.Context, accountID AccountID, includeDeleted bool) ([]Movement, error)

	// WithAccountTx runs fn holding the account's exclusive lock inside one
	// transaction. If fn returns an error nothing is persisted.
	WithAccountTx(ctx context.Context, accountID AccountID, fn func(Tx) error) error
}

// Tx is the transaction-scoped view of one account.
type Tx interface {
	Account(ctx context.Context) (Account, error)

	// Movements returns movements ordered by (movement_date, id).
	Movements(ctx context.Context, includeDeleted bool) ([]Movement, error)

	// HasMovement reports whether a live movement exists for (sale, kind).
	HasMovement(ctx context.Context, saleRef SaleID, kind Kind) (bool, error)

	// FindMovement returns the first live movement for (sale, kind).
	FindMovement(ctx context.Context, saleRef SaleID, kind Kind) (Movement, error)

	// InsertMovement assigns ID and CreatedAt and persists m.
	InsertMovement(ctx context.Context, m Movement) (Movement, error)

	UpdateSnapshots(ctx context.Context, ms []Movement) error
	SoftDeleteMovement(ctx context.Context, id MovementID, at time.Time) error

	// WriteCache overwrites the account cache and increments Version.
	WriteCache(ctx context.Context, c Cache) error

	// Receivables is the sales view bound to this transaction.
	Receivables() receivables.View
}
