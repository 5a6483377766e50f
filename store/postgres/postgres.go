/*
Package postgres provides a PostgreSQL-backed implementation of ledger.TxStore.

PURPOSE:
  Multi-instance deployments. Unlike the SQLite store, several server
  processes may share one database, so correctness rests on the database:
  WithTx runs at SERIALIZABLE isolation, balance updates are conditional
  in SQL, and the (user_id, meal_id) unique constraint backs the
  selection version check.

ERROR MAPPING:
  40001 serialization_failure, 40P01 deadlock  → ErrConcurrentConflict
  23505 unique_violation (selection insert)    → ErrConcurrentConflict
  57014 query_canceled, context deadline       → ErrStoreTimeout
  connection failures, SafeToRetry errors      → ErrStoreUnavailable

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/credeat/ledger"
)

// Store implements ledger.TxStore using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to url and applies pending migrations.
func New(ctx context.Context, url string) (*Store, error) {
	pool, err := NewPool(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", mapError(err))
	}
	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewPool opens a pool and verifies the server is reachable.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool, mainly for tests.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx runs fn inside a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&conn{q: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// NON-TRANSACTIONAL ENTRY POINTS
// =============================================================================

func (s *Store) conn() *conn { return &conn{q: s.pool} }

func (s *Store) SaveMeal(ctx context.Context, meal ledger.Meal) error {
	return s.conn().SaveMeal(ctx, meal)
}

func (s *Store) GetMeal(ctx context.Context, id ledger.MealID) (*ledger.Meal, error) {
	return s.conn().GetMeal(ctx, id)
}

func (s *Store) ListMeals(ctx context.Context, activeOnly bool) ([]ledger.Meal, error) {
	return s.conn().ListMeals(ctx, activeOnly)
}

func (s *Store) GetSelection(ctx context.Context, userID ledger.UserID, mealID ledger.MealID) (*ledger.Selection, error) {
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
	return s.conn().ListSelections(ctx, userID)
}

func (s *Store) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	return s.conn().CreateWallet(ctx, w)
}

func (s *Store) GetWallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	return s.conn().GetWallet(ctx, userID)
}

func (s *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	return s.conn().ListWallets(ctx)
}

func (s *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Amount) (ledger.Amount, error) {
	return s.conn().AdjustBalance(ctx, userID, delta)
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.conn().AppendTransaction(ctx, tx)
}

func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	return s.conn().ListTransactions(ctx, userID, limit)
}

// =============================================================================
// CONNECTION - Statements shared by the pool and pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

// --- meals ---

const mealColumns = `id, date, meal_type, menu_items, price::text, is_active, created_at`

func (c *conn) SaveMeal(ctx context.Context, meal ledger.Meal) error {
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = time.Now().UTC()
	}
	menu := meal.MenuItems
	if menu == nil {
		menu = []string{}
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO meals (id, date, meal_type, menu_items, price, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			date = EXCLUDED.date,
			meal_type = EXCLUDED.meal_type,
			menu_items = EXCLUDED.menu_items,
			price = EXCLUDED.price,
			is_active = EXCLUDED.is_active`,
		string(meal.ID), meal.Date, string(meal.Type), menu, meal.Price.String(), meal.Active, meal.CreatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save meal: %w", err))
	}
	return nil
}

func (c *conn) GetMeal(ctx context.Context, id ledger.MealID) (*ledger.Meal, error) {
	row := c.q.QueryRow(ctx, `SELECT `+mealColumns+` FROM meals WHERE id = $1`, string(id))
	meal, err := scanMeal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get meal: %w", err))
	}
	return &meal, nil
}

func (c *conn) ListMeals(ctx context.Context, activeOnly bool) ([]ledger.Meal, error) {
	rows, err := c.q.Query(ctx, `
		SELECT `+mealColumns+` FROM meals
		 WHERE (NOT $1 OR is_active)
		 ORDER BY date, created_at`, activeOnly)
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
	row := c.q.QueryRow(ctx,
		`SELECT `+selectionColumns+` FROM meal_selections WHERE user_id = $1 AND meal_id = $2`,
		string(userID), string(mealID))
	sel, err := scanSelection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get selection: %w", err))
	}
	return &sel, nil
}

func (c *conn) SaveSelection(ctx context.Context, sel ledger.Selection, expectedVersion int) (*ledger.Selection, error) {
	if expectedVersion == 0 {
		_, err := c.q.Exec(ctx, `
			INSERT INTO meal_selections (id, user_id, meal_id, status, version, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			string(sel.ID), string(sel.UserID), string(sel.MealID), string(sel.Status), sel.Version, sel.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ledger.ErrConcurrentConflict
			}
			return nil, mapError(fmt.Errorf("failed to insert selection: %w", err))
		}
		return nil, nil
	}

	prev, err := c.GetSelection(ctx, sel.UserID, sel.MealID)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.Version != expectedVersion {
		return nil, ledger.ErrConcurrentConflict
	}

	tag, err := c.q.Exec(ctx, `
		UPDATE meal_selections
		   SET status = $1, version = $2, timestamp = $3
		 WHERE user_id = $4 AND meal_id = $5 AND version = $6`,
		string(sel.Status), sel.Version, sel.Timestamp, string(sel.UserID), string(sel.MealID), expectedVersion)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to update selection: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, ledger.ErrConcurrentConflict
	}
	return prev, nil
}

func (c *conn) ListSelections(ctx context.Context, userID ledger.UserID) ([]ledger.Selection, error) {
	rows, err := c.q.Query(ctx,
		`SELECT `+selectionColumns+` FROM meal_selections WHERE user_id = $1 ORDER BY timestamp DESC`,
		string(userID))
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

const walletColumns = `user_id, name, balance::text, created_at, updated_at`

func (c *conn) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO wallets (user_id, name, balance, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $4)`,
		string(w.UserID), w.Name, w.Balance.String(), w.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrWalletExists
		}
		return mapError(fmt.Errorf("failed to create wallet: %w", err))
	}
	return nil
}

func (c *conn) GetWallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	row := c.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, string(userID))
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get wallet: %w", err))
	}
	return &w, nil
}

func (c *conn) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	rows, err := c.q.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY user_id`)
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

// AdjustBalance applies delta only if the result stays non-negative.
func (c *conn) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Amount) (ledger.Amount, error) {
	var balance string
	err := c.q.QueryRow(ctx, `
		UPDATE wallets
		   SET balance = balance + $2::numeric,
		       updated_at = now()
		 WHERE user_id = $1 AND balance + $2::numeric >= 0
		 RETURNING balance::text`,
		string(userID), delta.String(),
	).Scan(&balance)
	if err == nil {
		return ledger.ParseAmount(balance)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Amount{}, mapError(fmt.Errorf("failed to adjust balance: %w", err))
	}

	// No row updated: either the wallet is missing or the debit is too large.
	w, err := c.GetWallet(ctx, userID)
	if err != nil {
		return ledger.Amount{}, err
	}
	if w == nil {
		return ledger.Amount{}, ledger.ErrWalletNotFound
	}
	return w.Balance, ledger.NewInsufficientCredits(userID, w.Balance, delta.Neg())
}

// --- transactions ---

const transactionColumns = `id, sender_id, receiver_id, amount::text, tx_type, description, COALESCE(reference_id, ''), timestamp`

func (c *conn) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	var ref *string
	if tx.ReferenceID != "" {
		ref = &tx.ReferenceID
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO transactions (id, sender_id, receiver_id, amount, tx_type, description, reference_id, timestamp)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)`,
		string(tx.ID), string(tx.SenderID), string(tx.ReceiverID), tx.Amount.String(),
		string(tx.Type), tx.Description, ref, tx.Timestamp,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

func (c *conn) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := c.q.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		 WHERE sender_id = $1 OR receiver_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`, string(userID), lim)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, mapError(rows.Err())
}

// =============================================================================
// SCANNING
// =============================================================================

func scanMeal(row pgx.Row) (ledger.Meal, error) {
	var (
		meal             ledger.Meal
		id, date, typ, p string
	)
	if err := row.Scan(&id, &date, &typ, &meal.MenuItems, &p, &meal.Active, &meal.CreatedAt); err != nil {
		return meal, err
	}
	price, err := ledger.ParseAmount(p)
	if err != nil {
		return meal, err
	}
	meal.ID, meal.Date, meal.Type, meal.Price = ledger.MealID(id), date, ledger.MealType(typ), price
	meal.CreatedAt = meal.CreatedAt.UTC()
	return meal, nil
}

func scanSelection(row pgx.Row) (ledger.Selection, error) {
	var (
		sel                        ledger.Selection
		id, userID, mealID, status string
	)
	if err := row.Scan(&id, &userID, &mealID, &status, &sel.Version, &sel.Timestamp); err != nil {
		return sel, err
	}
	sel.ID, sel.UserID, sel.MealID = ledger.SelectionID(id), ledger.UserID(userID), ledger.MealID(mealID)
	sel.Status = ledger.Status(status)
	sel.Timestamp = sel.Timestamp.UTC()
	return sel, nil
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		w       ledger.Wallet
		userID  string
		balance string
	)
	if err := row.Scan(&userID, &w.Name, &balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return w, err
	}
	amount, err := ledger.ParseAmount(balance)
	if err != nil {
		return w, err
	}
	w.UserID, w.Balance = ledger.UserID(userID), amount
	w.CreatedAt, w.UpdatedAt = w.CreatedAt.UTC(), w.UpdatedAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx                                 ledger.Transaction
		id, sender, receiver, amount, kind string
	)
	err := row.Scan(&id, &sender, &receiver, &amount, &kind, &tx.Description, &tx.ReferenceID, &tx.Timestamp)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	value, err := ledger.ParseAmount(amount)
	if err != nil {
		return tx, err
	}
	tx.ID = ledger.TransactionID(id)
	tx.SenderID, tx.ReceiverID = ledger.UserID(sender), ledger.UserID(receiver)
	tx.Amount, tx.Type = value, ledger.TransactionType(kind)
	tx.Timestamp = tx.Timestamp.UTC()
	return tx, nil
}

// =============================================================================
// ERRORS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError translates pgx failures into the ledger error taxonomy.
// Errors already in the taxonomy pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ledger.ErrStoreTimeout, ledger.ErrStoreUnavailable, ledger.ErrConcurrentConflict,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", ledger.ErrConcurrentConflict, err)
		case "57014":
			return fmt.Errorf("%w: %w", ledger.ErrStoreTimeout, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ledger.ErrStoreTimeout, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return err
}
