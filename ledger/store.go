/*
store.go - Persistence capabilities required by the engine

PURPOSE:
  Defines the interface between the business rules and the database.
  The engine needs only a handful of primitives:
  - point lookups by id
  - an upsert keyed on the unique (user, meal) pair that returns the
    previous value and is guarded by an expected version
  - an atomic balance increment that refuses to go below zero
  - an append-only insert for transactions
  - a transactional scope spanning all of the above

KEY INTERFACES:
  MealStore:        Meal catalog reads (and seeding)
  SelectionStore:   One selection per (user, meal)
  WalletStore:      Materialized balances
  TransactionStore: Append-only transaction history
  Store:            All of the above
  TxStore:          Store + WithTx for all-or-nothing writes

APPEND-ONLY CONTRACT:
  TransactionStore has no Update or Delete. Ever.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
*/
package ledger

import "context"

// =============================================================================
// CAPABILITIES
// =============================================================================

type MealStore interface {
	SaveMeal(ctx context.Context, meal Meal) error

	// GetMeal returns (nil, nil) when the meal does not exist.
	GetMeal(ctx context.Context, id MealID) (*Meal, error)

	ListMeals(ctx context.Context, activeOnly bool) ([]Meal, error)
}

type SelectionStore interface {
	// GetSelection returns (nil, nil) when no selection exists for the pair.
	GetSelection(ctx context.Context, userID UserID, mealID MealID) (*Selection, error)

	// SaveSelection inserts (expectedVersion == 0) or updates the selection for
	// (sel.UserID, sel.MealID) and returns the record it replaced, if any.
	// Returns ErrConcurrentConflict when the stored version differs from
	// expectedVersion, including an insert racing an existing row.
	SaveSelection(ctx context.Context, sel Selection, expectedVersion int) (*Selection, error)

	ListSelections(ctx context.Context, userID UserID) ([]Selection, error)
}

type WalletStore interface {
	// CreateWallet returns ErrWalletExists if the user already has one.
	CreateWallet(ctx context.Context, w Wallet) error

	// GetWallet returns (nil, nil) when the user has no wallet.
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)

	ListWallets(ctx context.Context) ([]Wallet, error)

	// AdjustBalance atomically adds delta and returns the new balance.
	// Returns InsufficientCreditsError (and changes nothing) if the result
	// would be negative, ErrWalletNotFound if there is no wallet.
	AdjustBalance(ctx context.Context, userID UserID, delta Amount) (Amount, error)
}

type TransactionStore interface {
	// AppendTransaction persists a transaction. This is the ONLY write.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// ListTransactions returns transactions where the user is sender or
	// receiver, newest first. limit <= 0 returns the full history.
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
}

// Store is the full capability set.
type Store interface {
	MealStore
	SelectionStore
	WalletStore
	TransactionStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	// If fn returns nil, the writes are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}
