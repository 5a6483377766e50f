/*
Package storetest is a conformance suite run against every ledger.TxStore.

Each backend's tests call Run with a constructor returning a fresh, empty
store. The cases cover the store contract the coordinator and wallet
service rely on: nil-for-absent reads, version-guarded selection writes,
non-negative balance adjustment, newest-first history, and rollback.
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credeat/ledger"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.TxStore

var errBoom = errors.New("boom")

// Run executes every conformance case as a subtest.
func Run(t *testing.T, newStore Factory) {
	t.Run("Meals", func(t *testing.T) { testMeals(t, newStore(t)) })
	t.Run("SelectionVersioning", func(t *testing.T) { testSelectionVersioning(t, newStore(t)) })
	t.Run("WalletCreateAndList", func(t *testing.T) { testWallets(t, newStore(t)) })
	t.Run("AdjustBalance", func(t *testing.T) { testAdjustBalance(t, newStore(t)) })
	t.Run("TransactionsNewestFirst", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("WithTxCommit", func(t *testing.T) { testCommit(t, newStore(t)) })
}

func base() time.Time {
	return time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
}

func testMeals(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	missing, err := s.GetMeal(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.SaveMeal(ctx, ledger.Meal{
		ID: "m-1", Date: "2025-03-10", Type: ledger.MealLunch,
		MenuItems: []string{"dal", "rice"}, Price: ledger.NewAmountFromInt(80),
		Active: true, CreatedAt: base(),
	}))
	require.NoError(t, s.SaveMeal(ctx, ledger.Meal{
		ID: "m-2", Date: "2025-03-11", Type: ledger.MealDinner,
		Price: ledger.NewAmountFromInt(60), Active: false, CreatedAt: base(),
	}))

	got, err := s.GetMeal(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.MealLunch, got.Type)
	assert.Equal(t, []string{"dal", "rice"}, got.MenuItems)
	assert.True(t, got.Price.Equal(ledger.NewAmountFromInt(80)))
	assert.True(t, got.Active)

	active, err := s.ListMeals(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.MealID("m-1"), active[0].ID)

	all, err := s.ListMeals(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testSelectionVersioning(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	none, err := s.GetSelection(ctx, "u-1", "m-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	first := ledger.Selection{
		ID: "sel-1", UserID: "u-1", MealID: "m-1",
		Status: ledger.StatusSkipped, Version: 1, Timestamp: base(),
	}
	prev, err := s.SaveSelection(ctx, first, 0)
	require.NoError(t, err)
	assert.Nil(t, prev)

	// A second insert for the same pair loses.
	dup := first
	dup.ID = "sel-dup"
	_, err = s.SaveSelection(ctx, dup, 0)
	assert.ErrorIs(t, err, ledger.ErrConcurrentConflict)

	// Stale version loses.
	stale := first
	stale.Status, stale.Version = ledger.StatusAttending, 3
	_, err = s.SaveSelection(ctx, stale, 2)
	assert.ErrorIs(t, err, ledger.ErrConcurrentConflict)

	next := first
	next.Status, next.Version, next.Timestamp = ledger.StatusAttending, 2, base().Add(time.Minute)
	prev, err = s.SaveSelection(ctx, next, 1)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, ledger.StatusSkipped, prev.Status)

	got, err := s.GetSelection(ctx, "u-1", "m-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.SelectionID("sel-1"), got.ID)
	assert.Equal(t, ledger.StatusAttending, got.Status)
	assert.Equal(t, 2, got.Version)

	list, err := s.ListSelections(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testWallets(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	missing, err := s.GetWallet(ctx, "u-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{UserID: "u-1", Name: "Asha", Balance: ledger.NewAmountFromInt(100), CreatedAt: base()}))
	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{UserID: "v-1", Name: "Campus Cafe", Balance: ledger.Zero(), CreatedAt: base()}))

	err = s.CreateWallet(ctx, ledger.Wallet{UserID: "u-1", Balance: ledger.Zero()})
	assert.ErrorIs(t, err, ledger.ErrWalletExists)

	w, err := s.GetWallet(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "Asha", w.Name)
	assert.True(t, w.Balance.Equal(ledger.NewAmountFromInt(100)))

	all, err := s.ListWallets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testAdjustBalance(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{UserID: "u-1", Balance: ledger.NewAmountFromInt(10), CreatedAt: base()}))

	balance, err := s.AdjustBalance(ctx, "u-1", ledger.MustParseAmount("40.50"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(ledger.MustParseAmount("50.50")), "got %s", balance)

	_, err = s.AdjustBalance(ctx, "u-1", ledger.NewAmountFromInt(-51))
	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	balance, err = s.AdjustBalance(ctx, "u-1", ledger.MustParseAmount("-50.50"))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = s.AdjustBalance(ctx, "ghost", ledger.NewAmountFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func testTransactions(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	for i, id := range []ledger.TransactionID{"tx-1", "tx-2", "tx-3"} {
		require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
			ID: id, SenderID: ledger.SystemID, ReceiverID: "u-1",
			Amount: ledger.NewAmountFromInt(int64(10 * (i + 1))), Type: ledger.TxSkipCredit,
			Description: "Earned credits", ReferenceID: "sel-1",
			Timestamp: base().Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-other", SenderID: ledger.SystemID, ReceiverID: "u-2",
		Amount: ledger.NewAmountFromInt(5), Type: ledger.TxSkipCredit, Timestamp: base(),
	}))

	txs, err := s.ListTransactions(ctx, "u-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.TransactionID("tx-3"), txs[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-1"), txs[2].ID)
	assert.True(t, txs[0].Amount.Equal(ledger.NewAmountFromInt(30)))
	assert.Equal(t, "sel-1", txs[0].ReferenceID)

	limited, err := s.ListTransactions(ctx, "u-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ledger.TransactionID("tx-3"), limited[0].ID)

	sys, err := s.ListTransactions(ctx, ledger.SystemID, 0)
	require.NoError(t, err)
	assert.Len(t, sys, 4)
}

func testRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{UserID: "u-1", Balance: ledger.NewAmountFromInt(10), CreatedAt: base()}))

	err := s.WithTx(ctx, func(st ledger.Store) error {
		if _, err := st.SaveSelection(ctx, ledger.Selection{
			ID: "sel-1", UserID: "u-1", MealID: "m-1",
			Status: ledger.StatusSkipped, Version: 1, Timestamp: base(),
		}, 0); err != nil {
			return err
		}
		if _, err := st.AdjustBalance(ctx, "u-1", ledger.NewAmountFromInt(50)); err != nil {
			return err
		}
		if err := st.AppendTransaction(ctx, ledger.Transaction{
			ID: "tx-1", SenderID: ledger.SystemID, ReceiverID: "u-1",
			Amount: ledger.NewAmountFromInt(50), Type: ledger.TxSkipCredit, Timestamp: base(),
		}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	sel, err := s.GetSelection(ctx, "u-1", "m-1")
	require.NoError(t, err)
	assert.Nil(t, sel, "selection must be rolled back")

	w, err := s.GetWallet(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(ledger.NewAmountFromInt(10)), "balance must be rolled back, got %s", w.Balance)

	txs, err := s.ListTransactions(ctx, "u-1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs, "transaction must be rolled back")
}

func testCommit(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{UserID: "u-1", Balance: ledger.Zero(), CreatedAt: base()}))

	err := s.WithTx(ctx, func(st ledger.Store) error {
		if _, err := st.AdjustBalance(ctx, "u-1", ledger.NewAmountFromInt(50)); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		w, err := st.GetWallet(ctx, "u-1")
		if err != nil {
			return err
		}
		if !w.Balance.Equal(ledger.NewAmountFromInt(50)) {
			return errors.New("write not visible inside transaction")
		}
		return nil
	})
	require.NoError(t, err)

	w, err := s.GetWallet(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(ledger.NewAmountFromInt(50)))
}
