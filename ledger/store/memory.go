// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/credeat/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type pairKey struct {
	UserID ledger.UserID
	MealID ledger.MealID
}

type memoryState struct {
	meals        map[ledger.MealID]ledger.Meal
	selections   map[pairKey]ledger.Selection
	wallets      map[ledger.UserID]ledger.Wallet
	transactions []ledger.Transaction // append order
}

func NewMemory() *Memory {
	return &Memory{state: memoryState{
		meals:      make(map[ledger.MealID]ledger.Meal),
		selections: make(map[pairKey]ledger.Selection),
		wallets:    make(map[ledger.UserID]ledger.Wallet),
	}}
}

func (m *Memory) SaveMeal(ctx context.Context, meal ledger.Meal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveMeal(ctx, meal)
}

func (m *Memory) GetMeal(ctx context.Context, id ledger.MealID) (*ledger.Meal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetMeal(ctx, id)
}

func (m *Memory) ListMeals(ctx context.Context, activeOnly bool) ([]ledger.Meal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListMeals(ctx, activeOnly)
}

func (m *Memory) GetSelection(ctx context.Context, userID ledger.UserID, mealID ledger.MealID) (*ledger.Selection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetSelection(ctx, userID, mealID)
}

func (m *Memory) SaveSelection(ctx context.Context, sel ledger.Selection, expectedVersion int) (*ledger.Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveSelection(ctx, sel, expectedVersion)
}

func (m *Memory) ListSelections(ctx context.Context, userID ledger.UserID) ([]ledger.Selection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListSelections(ctx, userID)
}

func (m *Memory) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CreateWallet(ctx, w)
}

func (m *Memory) GetWallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetWallet(ctx, userID)
}

func (m *Memory) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListWallets(ctx)
}

func (m *Memory) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Amount) (ledger.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AdjustBalance(ctx, userID, delta)
}

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AppendTransaction(ctx, tx)
}

func (m *Memory) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListTransactions(ctx, userID, limit)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the duration of fn, so transactions are serial.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.state.clone()
	if err := fn(m.view()); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		meals:        make(map[ledger.MealID]ledger.Meal, len(s.meals)),
		selections:   make(map[pairKey]ledger.Selection, len(s.selections)),
		wallets:      make(map[ledger.UserID]ledger.Wallet, len(s.wallets)),
		transactions: append([]ledger.Transaction(nil), s.transactions...),
	}
	for k, v := range s.meals {
		c.meals[k] = v
	}
	for k, v := range s.selections {
		c.selections[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	return c
}

// =============================================================================
// UNLOCKED VIEW - Shared by locked methods and WithTx
// =============================================================================

type memoryView struct {
	st *memoryState
}

func (m *Memory) view() *memoryView {
	return &memoryView{st: &m.state}
}

func (v *memoryView) SaveMeal(_ context.Context, meal ledger.Meal) error {
	meal.MenuItems = append([]string(nil), meal.MenuItems...)
	v.st.meals[meal.ID] = meal
	return nil
}

func (v *memoryView) GetMeal(_ context.Context, id ledger.MealID) (*ledger.Meal, error) {
	meal, ok := v.st.meals[id]
	if !ok {
		return nil, nil
	}
	meal.MenuItems = append([]string(nil), meal.MenuItems...)
	return &meal, nil
}

func (v *memoryView) ListMeals(_ context.Context, activeOnly bool) ([]ledger.Meal, error) {
	var result []ledger.Meal
	for _, meal := range v.st.meals {
		if activeOnly && !meal.Active {
			continue
		}
		meal.MenuItems = append([]string(nil), meal.MenuItems...)
		result = append(result, meal)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date < result[j].Date
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (v *memoryView) GetSelection(_ context.Context, userID ledger.UserID, mealID ledger.MealID) (*ledger.Selection, error) {
	sel, ok := v.st.selections[pairKey{UserID: userID, MealID: mealID}]
	if !ok {
		return nil, nil
	}
	return &sel, nil
}

func (v *memoryView) SaveSelection(_ context.Context, sel ledger.Selection, expectedVersion int) (*ledger.Selection, error) {
	k := pairKey{UserID: sel.UserID, MealID: sel.MealID}
	existing, ok := v.st.selections[k]

	switch {
	case !ok && expectedVersion != 0:
		return nil, ledger.ErrConcurrentConflict
	case ok && existing.Version != expectedVersion:
		return nil, ledger.ErrConcurrentConflict
	}

	if ok {
		sel.ID = existing.ID
	}
	v.st.selections[k] = sel

	if !ok {
		return nil, nil
	}
	return &existing, nil
}

func (v *memoryView) ListSelections(_ context.Context, userID ledger.UserID) ([]ledger.Selection, error) {
	var result []ledger.Selection
	for k, sel := range v.st.selections {
		if k.UserID == userID {
			result = append(result, sel)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

func (v *memoryView) CreateWallet(_ context.Context, w ledger.Wallet) error {
	if _, ok := v.st.wallets[w.UserID]; ok {
		return ledger.ErrWalletExists
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.UpdatedAt = w.CreatedAt
	v.st.wallets[w.UserID] = w
	return nil
}

func (v *memoryView) GetWallet(_ context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (v *memoryView) ListWallets(_ context.Context) ([]ledger.Wallet, error) {
	result := make([]ledger.Wallet, 0, len(v.st.wallets))
	for _, w := range v.st.wallets {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (v *memoryView) AdjustBalance(_ context.Context, userID ledger.UserID, delta ledger.Amount) (ledger.Amount, error) {
	w, ok := v.st.wallets[userID]
	if !ok {
		return ledger.Amount{}, ledger.ErrWalletNotFound
	}
	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return w.Balance, ledger.NewInsufficientCredits(userID, w.Balance, delta.Neg())
	}
	w.Balance = next
	w.UpdatedAt = time.Now().UTC()
	v.st.wallets[userID] = w
	return next, nil
}

func (v *memoryView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	v.st.transactions = append(v.st.transactions, tx)
	return nil
}

func (v *memoryView) ListTransactions(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var result []ledger.Transaction
	for i := len(v.st.transactions) - 1; i >= 0; i-- {
		tx := v.st.transactions[i]
		if tx.SenderID != userID && tx.ReceiverID != userID {
			continue
		}
		result = append(result, tx)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
