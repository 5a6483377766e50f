package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credeat/ledger"
	"github.com/warp/credeat/ledger/storetest"
	"github.com/warp/credeat/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore {
		return newTestStore(t)
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file-backed store with a wallet and a transaction
	// WHEN: The store is closed and reopened
	// THEN: Balance and history survive

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credeat.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateWallet(ctx, ledger.Wallet{UserID: "u-1", Balance: ledger.NewAmountFromInt(40)}))
	require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-1", SenderID: ledger.SystemID, ReceiverID: "u-1",
		Amount: ledger.NewAmountFromInt(40), Type: ledger.TxSkipCredit,
		Timestamp: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	w, err := reopened.GetWallet(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.True(t, w.Balance.Equal(ledger.NewAmountFromInt(40)))

	txs, err := reopened.ListTransactions(ctx, "u-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), txs[0].Timestamp)
}

func TestSQLite_DuplicateTransactionID_Rejected(t *testing.T) {
	// GIVEN: A transaction already in the ledger
	// WHEN: Appending another with the same ID
	// THEN: The append fails and history still holds one entry

	ctx := context.Background()
	s := newTestStore(t)
	tx := ledger.Transaction{
		ID: "tx-1", SenderID: ledger.SystemID, ReceiverID: "u-1",
		Amount: ledger.NewAmountFromInt(10), Type: ledger.TxSkipCredit, Timestamp: time.Now(),
	}
	require.NoError(t, s.AppendTransaction(ctx, tx))

	assert.Error(t, s.AppendTransaction(ctx, tx))

	txs, err := s.ListTransactions(ctx, "u-1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSQLite_WithTx_TimeoutMapped(t *testing.T) {
	// GIVEN: A context whose deadline has already passed
	// WHEN: Starting a transaction
	// THEN: The error is classified as a store timeout

	s := newTestStore(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := s.WithTx(ctx, func(ledger.Store) error { return nil })

	assert.ErrorIs(t, err, ledger.ErrStoreTimeout)
}
