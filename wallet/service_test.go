package wallet_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credeat/ledger"
	"github.com/warp/credeat/ledger/store"
	"github.com/warp/credeat/store/sqlite"
	"github.com/warp/credeat/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newService(t *testing.T, st ledger.TxStore) *wallet.Service {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateWallet(ctx, ledger.Wallet{UserID: "u-1", Name: "Asha", Balance: ledger.NewAmountFromInt(100)}))
	require.NoError(t, st.CreateWallet(ctx, ledger.Wallet{UserID: "cafe", Name: "Campus Cafe", Balance: ledger.Zero()}))

	// Back the opening balance with a credit so the ledger reconciles.
	require.NoError(t, st.AppendTransaction(ctx, ledger.Transaction{
		ID: "opening", SenderID: ledger.SystemID, ReceiverID: "u-1",
		Amount: ledger.NewAmountFromInt(100), Type: ledger.TxSkipCredit,
		Timestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}))

	svc := wallet.NewService(st)
	log, _ := test.NewNullLogger()
	svc.Log = log
	return svc
}

// =============================================================================
// GET WALLET
// =============================================================================

func TestGetWallet_NewestFirstAndLimited(t *testing.T) {
	// GIVEN: A wallet with 5 transactions and a limit of 3
	// WHEN: Reading the statement
	// THEN: The live balance and the 3 newest transactions

	st := store.NewMemory()
	svc := newService(t, st)
	svc.TransactionLimit = 3
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Pay(ctx, "u-1", "cafe", ledger.NewAmountFromInt(int64(i+1)))
		require.NoError(t, err)
	}

	stmt, err := svc.GetWallet(ctx, "u-1")

	require.NoError(t, err)
	assert.True(t, stmt.Balance.Equal(ledger.NewAmountFromInt(90)))
	require.Len(t, stmt.Transactions, 3)
	assert.True(t, stmt.Transactions[0].Amount.Equal(ledger.NewAmountFromInt(4)))
	assert.True(t, stmt.Transactions[2].Amount.Equal(ledger.NewAmountFromInt(2)))
}

func TestGetWallet_Unknown(t *testing.T) {
	svc := newService(t, store.NewMemory())

	_, err := svc.GetWallet(context.Background(), "ghost")

	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestGetWallet_NoHistoryIsEmptySlice(t *testing.T) {
	svc := newService(t, store.NewMemory())

	stmt, err := svc.GetWallet(context.Background(), "cafe")

	require.NoError(t, err)
	assert.NotNil(t, stmt.Transactions)
	assert.Empty(t, stmt.Transactions)
}

// =============================================================================
// PAY
// =============================================================================

func TestPay_MovesCreditsAtomically(t *testing.T) {
	st := store.NewMemory()
	svc := newService(t, st)
	ctx := context.Background()

	tx, err := svc.Pay(ctx, "u-1", "cafe", ledger.MustParseAmount("35.50"))

	require.NoError(t, err)
	assert.Equal(t, ledger.TxVendorPayment, tx.Type)
	assert.Equal(t, ledger.UserID("u-1"), tx.SenderID)
	assert.Equal(t, ledger.UserID("cafe"), tx.ReceiverID)
	assert.Equal(t, "Payment to Campus Cafe", tx.Description)

	payer, _ := st.GetWallet(ctx, "u-1")
	vendor, _ := st.GetWallet(ctx, "cafe")
	assert.True(t, payer.Balance.Equal(ledger.MustParseAmount("64.50")))
	assert.True(t, vendor.Balance.Equal(ledger.MustParseAmount("35.50")))
}

func TestPay_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		from   ledger.UserID
		to     ledger.UserID
		amount ledger.Amount
		want   error
	}{
		{"zero", "u-1", "cafe", ledger.Zero(), ledger.ErrInvalidAmount},
		{"negative", "u-1", "cafe", ledger.NewAmountFromInt(-5), ledger.ErrInvalidAmount},
		{"self", "u-1", "u-1", ledger.NewAmountFromInt(5), ledger.ErrSelfTransfer},
		{"too much", "u-1", "cafe", ledger.NewAmountFromInt(101), ledger.ErrInsufficientCredits},
		{"unknown vendor", "u-1", "ghost", ledger.NewAmountFromInt(5), ledger.ErrVendorNotFound},
		{"unknown payer", "ghost", "cafe", ledger.NewAmountFromInt(5), ledger.ErrWalletNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			svc := newService(t, st)
			ctx := context.Background()

			_, err := svc.Pay(ctx, tt.from, tt.to, tt.amount)

			assert.ErrorIs(t, err, tt.want)
			payer, _ := st.GetWallet(ctx, "u-1")
			assert.True(t, payer.Balance.Equal(ledger.NewAmountFromInt(100)), "balance unchanged")
			txs, _ := st.ListTransactions(ctx, "u-1", 0)
			assert.Len(t, txs, 1, "only the opening credit")
		})
	}
}

// =============================================================================
// VERIFY
// =============================================================================

func TestVerify_ConsistentAfterActivity(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	svc := newService(t, s)
	ctx := context.Background()

	_, err = svc.Pay(ctx, "u-1", "cafe", ledger.NewAmountFromInt(40))
	require.NoError(t, err)

	for _, id := range []ledger.UserID{"u-1", "cafe"} {
		rec, err := svc.Verify(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Consistent(), "%s drift %s", id, rec.Drift)
	}

	rec, err := svc.Verify(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Transactions)
	assert.True(t, rec.Computed.Equal(ledger.NewAmountFromInt(60)))
}

func TestVerify_DetectsDrift(t *testing.T) {
	// GIVEN: A balance changed without a matching transaction
	// WHEN: Verifying
	// THEN: Drift equals the unrecorded change

	st := store.NewMemory()
	svc := newService(t, st)
	ctx := context.Background()
	_, err := st.AdjustBalance(ctx, "u-1", ledger.NewAmountFromInt(7))
	require.NoError(t, err)

	rec, err := svc.Verify(ctx, "u-1")

	require.NoError(t, err)
	assert.False(t, rec.Consistent())
	assert.True(t, rec.Drift.Equal(ledger.NewAmountFromInt(7)), fmt.Sprint(rec.Drift))
}
