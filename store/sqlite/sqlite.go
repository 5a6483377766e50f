/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Durable single-node store for meals, selections, wallets and the
  transaction ledger. Used by default by cmd/server and by tests with
  ":memory:".

KEY TABLES:
  meals:            Catalog (read-only for the engine, written by seeding)
  wallets:          One row per user, materialized balance as decimal TEXT
  meal_selections:  One row per (user_id, meal_id), enforced by a unique index
  transactions:     Immutable ledger; UPDATE and DELETE are rejected by triggers

INDEXES:
  - idx_selections_user_meal: Enforces at most one selection per pair
  - idx_transactions_sender / _receiver: Wallet history (hot path)
  - idx_transactions_timestamp: Audit queries

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a WithTx
  body sees no interleaved writes from this process. Balance updates are
  compare-and-set on the previous value and selection updates are guarded
  by version, so a second process writing the same file gets
  ErrConcurrentConflict rather than a lost update.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and a busy timeout.
  SQLITE_BUSY / SQLITE_LOCKED surface as ledger.ErrStoreUnavailable.

USAGE:
  store, err := sqlite.New("./data/credeat.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/credeat/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for ":memory:" and keeps WithTx exclusive.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meals (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		meal_type TEXT NOT NULL,
		menu_json TEXT,
		price TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_meals_date ON meals(date);
	CREATE INDEX IF NOT EXISTS idx_meals_active ON meals(is_active);

	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		name TEXT,
		balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meal_selections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		meal_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('attending', 'skipped')),
		version INTEGER NOT NULL,
		timestamp TEXT NOT NULL
	);

	-- CRITICAL: at most one selection per (user, meal)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_selections_user_meal
		ON meal_selections(user_id, meal_id);
	CREATE INDEX IF NOT EXISTS idx_selections_status
		ON meal_selections(status);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT,
		reference_id TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions(sender_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_receiver ON transactions(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS (ledger.Store interface)
// =============================================================================

func (s *Store) SaveMeal(ctx context.Context, meal ledger.Meal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SaveMeal(ctx, meal)
}

func (s *Store) GetMeal(ctx context.Context, id ledger.MealID) (*ledger.Meal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetMeal(ctx, id)
}

func (s *Store) ListMeals(ctx context.Context, activeOnly bool) ([]ledger.Meal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListMeals(ctx, activeOnly)
}

func (s *Store) GetSelection(ctx context.Context, userID ledger.UserID, mealID ledger.MealID) (*ledger.Selection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetSelection(ctx, userID, mealID)
}

func (s *Store) SaveSelection(ctx context.Context, sel ledger.Selection, expectedVersion int) (*ledger.Selection, error) {
	var prev *ledger.Selection
	err := s.WithTx(ctx, func(st ledger.Store) error {
		var err error
		prev, err = st.SaveSelection(ctx, sel, expectedVersion)
		return err
	})
	return prev, err
}

func (s *Store) ListSelections(ctx context.Context, userID ledger.UserID) ([]ledger.Selection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListSelections(ctx, userID)
}

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CreateWallet(ctx, w)
}

func (s *Store) GetWallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetWallet(ctx, userID)
}

func (s *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListWallets(ctx)
}

func (s *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Amount) (ledger.Amount, error) {
	var balance ledger.Amount
	err := s.WithTx(ctx, func(st ledger.Store) error {
		var err error
		balance, err = st.AdjustBalance(ctx, userID, delta)
		return err
	})
	return balance, err
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().AppendTransaction(ctx, tx)
}

func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListTransactions(ctx, userID, limit)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// CONNECTION - Unlocked statements shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

func (s *Store) conn() *conn {
	return &conn{q: s.db}
}

// --- meals ---

func (c *conn) SaveMeal(ctx context.Context, meal ledger.Meal) error {
	menuJSON, _ := json.Marshal(meal.MenuItems)
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = time.Now().UTC()
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO meals (id, date, meal_type, menu_json, price, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			meal_type = excluded.meal_type,
			menu_json = excluded.menu_json,
			price = excluded.price,
			is_active = excluded.is_active
	`,
		meal.ID, meal.Date, meal.Type, string(menuJSON), meal.Price.String(),
		boolToInt(meal.Active), formatTime(meal.CreatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save meal: %w", err))
	}
	return nil
}

const mealColumns = `id, date, meal_type, menu_json, price, is_active, created_at`

func (c *conn) GetMeal(ctx context.Context, id ledger.MealID) (*ledger.Meal, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+mealColumns+` FROM meals WHERE id = ?`, id)
	meal, err := scanMeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get meal: %w", err))
	}
	return &meal, nil
}

func (c *conn) ListMeals(ctx context.Context, activeOnly bool) ([]ledger.Meal, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+mealColumns+` FROM meals
		WHERE (? = 0 OR is_active = 1)
		ORDER BY date ASC, created_at ASC
	`, boolToInt(activeOnly))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list meals: %w", err))
	}
	defer rows.Close()

	var meals []ledger.Meal
	for rows.Next() {
		meal, err := scanMeal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meal: %w", err)
		}
		meals = append(meals, meal)
	}
	return meals, mapError(rows.Err())
}

// --- selections ---

const selectionColumns = `id, user_id, meal_id, status, version, timestamp`

func (c *conn) GetSelection(ctx context.Context, userID ledger.UserID, mealID ledger.MealID) (*ledger.Selection, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+selectionColumns+` FROM meal_selections WHERE user_id = ? AND meal_id = ?`,
		userID, mealID,
	)
	sel, err := scanSelection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get selection: %w", err))
	}
	return &sel, nil
}

func (c *conn) SaveSelection(ctx context.Context, sel ledger.Selection, expectedVersion int) (*ledger.Selection, error) {
	prev, err := c.GetSelection(ctx, sel.UserID, sel.MealID)
	if err != nil {
		return nil, err
	}

	if expectedVersion == 0 {
		if prev != nil {
			return nil, ledger.ErrConcurrentConflict
		}
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO meal_selections (id, user_id, meal_id, status, version, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sel.ID, sel.UserID, sel.MealID, sel.Status, sel.Version, formatTime(sel.Timestamp))
		if err != nil {
			if isUniqueConstraintError(err) {
				return nil, ledger.ErrConcurrentConflict
			}
			return nil, mapError(fmt.Errorf("failed to insert selection: %w", err))
		}
		return nil, nil
	}

	if prev == nil || prev.Version != expectedVersion {
		return nil, ledger.ErrConcurrentConflict
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE meal_selections
		   SET status = ?, version = ?, timestamp = ?
		 WHERE user_id = ? AND meal_id = ? AND version = ?
	`, sel.Status, sel.Version, formatTime(sel.Timestamp), sel.UserID, sel.MealID, expectedVersion)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to update selection: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ledger.ErrConcurrentConflict
	}
	return prev, nil
}

func (c *conn) ListSelections(ctx context.Context, userID ledger.UserID) ([]ledger.Selection, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+selectionColumns+` FROM meal_selections WHERE user_id = ? ORDER BY timestamp DESC`,
		userID,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list selections: %w", err))
	}
	defer rows.Close()

	var selections []ledger.Selection
	for rows.Next() {
		sel, err := scanSelection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan selection: %w", err)
		}
		selections = append(selections, sel)
	}
	return selections, mapError(rows.Err())
}

// --- wallets ---

const walletColumns = `user_id, name, balance, created_at, updated_at`

func (c *conn) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO wallets (user_id, name, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.UserID, w.Name, w.Balance.String(), formatTime(w.CreatedAt), formatTime(w.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrWalletExists
		}
		return mapError(fmt.Errorf("failed to create wallet: %w", err))
	}
	return nil
}

func (c *conn) GetWallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get wallet: %w", err))
	}
	return &w, nil
}

func (c *conn) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list wallets: %w", err))
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, mapError(rows.Err())
}

// AdjustBalance is a compare-and-set on the balance text read just before.
func (c *conn) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Amount) (ledger.Amount, error) {
	w, err := c.GetWallet(ctx, userID)
	if err != nil {
		return ledger.Amount{}, err
	}
	if w == nil {
		return ledger.Amount{}, ledger.ErrWalletNotFound
	}

	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return w.Balance, ledger.NewInsufficientCredits(userID, w.Balance, delta.Neg())
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE wallets SET balance = ?, updated_at = ?
		 WHERE user_id = ? AND balance = ?
	`, next.String(), formatTime(time.Now().UTC()), userID, w.Balance.String())
	if err != nil {
		return ledger.Amount{}, mapError(fmt.Errorf("failed to adjust balance: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Amount{}, ledger.ErrConcurrentConflict
	}
	return next, nil
}

// --- transactions ---

const transactionColumns = `id, sender_id, receiver_id, amount, tx_type, description, reference_id, timestamp`

func (c *conn) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.SenderID, tx.ReceiverID, tx.Amount.String(), tx.Type,
		tx.Description, nullString(tx.ReferenceID), formatTime(tx.Timestamp),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

func (c *conn) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, mapError(rows.Err())
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanMeal(row scanner) (ledger.Meal, error) {
	var (
		meal      ledger.Meal
		menuJSON  sql.NullString
		price     string
		active    int
		createdAt string
	)
	if err := row.Scan(&meal.ID, &meal.Date, &meal.Type, &menuJSON, &price, &active, &createdAt); err != nil {
		return meal, err
	}
	if menuJSON.Valid && menuJSON.String != "" {
		json.Unmarshal([]byte(menuJSON.String), &meal.MenuItems)
	}
	meal.Price = ledger.MustParseAmount(price)
	meal.Active = active != 0
	meal.CreatedAt = parseTime(createdAt)
	return meal, nil
}

func scanSelection(row scanner) (ledger.Selection, error) {
	var (
		sel       ledger.Selection
		timestamp string
	)
	if err := row.Scan(&sel.ID, &sel.UserID, &sel.MealID, &sel.Status, &sel.Version, &timestamp); err != nil {
		return sel, err
	}
	sel.Timestamp = parseTime(timestamp)
	return sel, nil
}

func scanWallet(row scanner) (ledger.Wallet, error) {
	var (
		w         ledger.Wallet
		name      sql.NullString
		balance   string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&w.UserID, &name, &balance, &createdAt, &updatedAt); err != nil {
		return w, err
	}
	w.Name = name.String
	w.Balance = ledger.MustParseAmount(balance)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		amount      string
		description sql.NullString
		referenceID sql.NullString
		timestamp   string
	)
	err := row.Scan(
		&tx.ID, &tx.SenderID, &tx.ReceiverID, &amount, &tx.Type,
		&description, &referenceID, &timestamp,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Amount = ledger.MustParseAmount(amount)
	tx.Description = description.String
	tx.ReferenceID = referenceID.String
	tx.Timestamp = parseTime(timestamp)
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// mapError translates driver failures into the ledger error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ledger.ErrStoreTimeout, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return err
}
