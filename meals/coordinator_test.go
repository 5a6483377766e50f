package meals_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credeat/keylock"
	"github.com/warp/credeat/ledger"
	"github.com/warp/credeat/ledger/store"
	"github.com/warp/credeat/meals"
	"github.com/warp/credeat/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var errBoom = errors.New("boom")

func seed(t *testing.T, st ledger.Store, balance, price int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveMeal(ctx, ledger.Meal{
		ID: "meal-1", Date: "2025-03-10", Type: ledger.MealLunch,
		Price: ledger.NewAmountFromInt(price), Active: true,
	}))
	require.NoError(t, st.CreateWallet(ctx, ledger.Wallet{
		UserID: "u-1", Balance: ledger.NewAmountFromInt(balance),
	}))
}

func newCoordinator(st ledger.TxStore) *meals.Coordinator {
	log, _ := test.NewNullLogger()
	c := meals.NewCoordinator(st, keylock.NewLocal())
	c.Log = log
	c.Backoff = time.Millisecond
	return c
}

func balanceOf(t *testing.T, st ledger.Store, userID ledger.UserID) ledger.Amount {
	t.Helper()
	w, err := st.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w.Balance
}

func history(t *testing.T, st ledger.Store, userID ledger.UserID) []ledger.Transaction {
	t.Helper()
	txs, err := st.ListTransactions(context.Background(), userID, 0)
	require.NoError(t, err)
	return txs
}

// faultyStore wraps Memory and injects failures per WithTx call.
type faultyStore struct {
	*store.Memory
	calls      atomic.Int32
	before     func(call int) error // returned instead of running the transaction
	failAppend bool                 // AppendTransaction fails after other writes
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	n := int(f.calls.Add(1))
	if f.before != nil {
		if err := f.before(n); err != nil {
			return err
		}
	}
	return f.Memory.WithTx(ctx, func(s ledger.Store) error {
		if f.failAppend {
			return fn(failingAppend{s})
		}
		return fn(s)
	})
}

type failingAppend struct{ ledger.Store }

func (failingAppend) AppendTransaction(context.Context, ledger.Transaction) error { return errBoom }

// blockingStore never answers until the caller gives up.
type blockingStore struct{ *store.Memory }

func (blockingStore) WithTx(ctx context.Context, _ func(ledger.Store) error) error {
	<-ctx.Done()
	return ctx.Err()
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestApplySelection_FirstSkipCredits(t *testing.T) {
	// GIVEN: No selection, balance 0, meal price 50
	// WHEN: The user skips
	// THEN: Balance 50, one skip_credit SYSTEM → user, selection version 1

	st := store.NewMemory()
	seed(t, st, 0, 50)
	c := newCoordinator(st)

	res, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusSkipped)

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNone, res.Previous)
	assert.Equal(t, ledger.StatusSkipped, res.Selection.Status)
	assert.Equal(t, 1, res.Selection.Version)
	assert.True(t, res.BalanceAfter.Equal(ledger.NewAmountFromInt(50)))
	require.NotNil(t, res.Transaction)

	assert.True(t, balanceOf(t, st, "u-1").Equal(ledger.NewAmountFromInt(50)))
	txs := history(t, st, "u-1")
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxSkipCredit, txs[0].Type)
	assert.Equal(t, ledger.SystemID, txs[0].SenderID)
	assert.Equal(t, ledger.UserID("u-1"), txs[0].ReceiverID)
	assert.True(t, txs[0].Amount.Equal(ledger.NewAmountFromInt(50)))
	assert.Equal(t, string(res.Selection.ID), txs[0].ReferenceID)
	assert.Equal(t, "Earned credits for meal 2025-03-10 lunch", txs[0].Description)
}

func TestApplySelection_FirstAttendMovesNothing(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, 0, 50)
	c := newCoordinator(st)

	res, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusAttending)

	require.NoError(t, err)
	assert.Nil(t, res.Transaction)
	assert.True(t, balanceOf(t, st, "u-1").IsZero())
	assert.Empty(t, history(t, st, "u-1"))

	sel, err := st.GetSelection(context.Background(), "u-1", "meal-1")
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, ledger.StatusAttending, sel.Status)
}

func TestApplySelection_RoundTripRestoresBalance(t *testing.T) {
	// GIVEN: Balance 0, meal price 50
	// WHEN: skip → attend
	// THEN: Two equal-amount transactions, balance back to 0, debit user → SYSTEM

	st := store.NewMemory()
	seed(t, st, 0, 50)
	c := newCoordinator(st)
	ctx := context.Background()

	_, err := c.ApplySelection(ctx, "u-1", "meal-1", ledger.StatusSkipped)
	require.NoError(t, err)
	res, err := c.ApplySelection(ctx, "u-1", "meal-1", ledger.StatusAttending)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusSkipped, res.Previous)
	assert.Equal(t, 2, res.Selection.Version)
	assert.True(t, balanceOf(t, st, "u-1").IsZero())

	txs := history(t, st, "u-1")
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxRejoinDebit, txs[0].Type)
	assert.Equal(t, ledger.UserID("u-1"), txs[0].SenderID)
	assert.Equal(t, ledger.SystemID, txs[0].ReceiverID)
	assert.Equal(t, "Spent credits for meal 2025-03-10 lunch", txs[0].Description)
	assert.True(t, txs[0].Amount.Equal(txs[1].Amount))
}

func TestApplySelection_RepeatIsNoOp(t *testing.T) {
	// GIVEN: An existing skipped selection
	// WHEN: The user skips again
	// THEN: Timestamp refreshes, no transaction, balance unchanged

	st := store.NewMemory()
	seed(t, st, 0, 50)
	c := newCoordinator(st)
	ctx := context.Background()

	t0 := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return t0 }
	_, err := c.ApplySelection(ctx, "u-1", "meal-1", ledger.StatusSkipped)
	require.NoError(t, err)

	t1 := t0.Add(time.Hour)
	c.Now = func() time.Time { return t1 }
	res, err := c.ApplySelection(ctx, "u-1", "meal-1", ledger.StatusSkipped)

	require.NoError(t, err)
	assert.Nil(t, res.Transaction)
	assert.True(t, res.BalanceAfter.Equal(ledger.NewAmountFromInt(50)))
	assert.Len(t, history(t, st, "u-1"), 1)

	sel, err := st.GetSelection(ctx, "u-1", "meal-1")
	require.NoError(t, err)
	assert.Equal(t, t1, sel.Timestamp)
}

func TestApplySelection_InsufficientCredits_NothingChanges(t *testing.T) {
	// GIVEN: Skipped selection on a meal priced 40, balance only 10
	// WHEN: The user tries to re-join
	// THEN: InsufficientCredits, selection still skipped, balance still 10

	st := store.NewMemory()
	ctx := context.Background()
	seed(t, st, 10, 40)
	_, err := st.SaveSelection(ctx, ledger.Selection{
		ID: "sel-1", UserID: "u-1", MealID: "meal-1",
		Status: ledger.StatusSkipped, Version: 1, Timestamp: time.Now(),
	}, 0)
	require.NoError(t, err)
	c := newCoordinator(st)

	_, err = c.ApplySelection(ctx, "u-1", "meal-1", ledger.StatusAttending)

	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall.Equal(ledger.NewAmountFromInt(30)))

	sel, err := st.GetSelection(ctx, "u-1", "meal-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSkipped, sel.Status)
	assert.Equal(t, 1, sel.Version)
	assert.True(t, balanceOf(t, st, "u-1").Equal(ledger.NewAmountFromInt(10)))
	assert.Empty(t, history(t, st, "u-1"))
}

func TestApplySelection_MealNotFound(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, 0, 50)
	require.NoError(t, st.SaveMeal(context.Background(), ledger.Meal{
		ID: "closed", Date: "2025-03-01", Type: ledger.MealDinner,
		Price: ledger.NewAmountFromInt(60), Active: false,
	}))
	c := newCoordinator(st)

	for _, id := range []ledger.MealID{"missing", "closed"} {
		_, err := c.ApplySelection(context.Background(), "u-1", id, ledger.StatusSkipped)
		assert.ErrorIs(t, err, ledger.ErrMealNotFound, "meal %s", id)
	}
}

func TestApplySelection_InvalidStatus_NoStoreAccess(t *testing.T) {
	fs := &faultyStore{Memory: store.NewMemory()}
	c := newCoordinator(fs)

	_, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusNone)

	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
	assert.Zero(t, fs.calls.Load())
}

func TestApplySelection_WalletMissing(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.SaveMeal(context.Background(), ledger.Meal{
		ID: "meal-1", Price: ledger.NewAmountFromInt(50), Active: true,
	}))
	c := newCoordinator(st)

	_, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusSkipped)

	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
	sel, _ := st.GetSelection(context.Background(), "u-1", "meal-1")
	assert.Nil(t, sel)
}

// =============================================================================
// FAILURES AND RETRIES
// =============================================================================

func TestApplySelection_FailureMidway_RollsBack(t *testing.T) {
	// GIVEN: A store whose transaction append fails after the other writes
	// WHEN: Skipping a meal
	// THEN: The error surfaces and no selection, credit or transaction remains

	fs := &faultyStore{Memory: store.NewMemory(), failAppend: true}
	seed(t, fs.Memory, 0, 50)
	c := newCoordinator(fs)

	_, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusSkipped)

	require.ErrorIs(t, err, errBoom)
	sel, _ := fs.Memory.GetSelection(context.Background(), "u-1", "meal-1")
	assert.Nil(t, sel)
	assert.True(t, balanceOf(t, fs.Memory, "u-1").IsZero())
	assert.Empty(t, history(t, fs.Memory, "u-1"))
	assert.Equal(t, int32(1), fs.calls.Load(), "non-retryable errors are not retried")
}

func TestApplySelection_StoreTimeout(t *testing.T) {
	// GIVEN: A store that never responds and a 20ms store timeout
	// WHEN: Selecting
	// THEN: StoreTimeout, after a single attempt

	st := blockingStore{store.NewMemory()}
	c := newCoordinator(st)
	c.StoreTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusSkipped)

	assert.ErrorIs(t, err, ledger.ErrStoreTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestApplySelection_ConflictsExhaustAttempts(t *testing.T) {
	fs := &faultyStore{
		Memory: store.NewMemory(),
		before: func(int) error { return ledger.ErrConcurrentConflict },
	}
	c := newCoordinator(fs)
	c.MaxAttempts = 3

	_, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusSkipped)

	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.ErrorIs(t, err, ledger.ErrConcurrentConflict)
	assert.Equal(t, int32(3), fs.calls.Load())
}

func TestApplySelection_TransientFailureRetried(t *testing.T) {
	// GIVEN: A store that is unavailable on the first attempt only
	// WHEN: Skipping
	// THEN: The second attempt commits exactly one credit

	fs := &faultyStore{
		Memory: store.NewMemory(),
		before: func(call int) error {
			if call == 1 {
				return ledger.ErrStoreUnavailable
			}
			return nil
		},
	}
	seed(t, fs.Memory, 0, 50)
	c := newCoordinator(fs)

	_, err := c.ApplySelection(context.Background(), "u-1", "meal-1", ledger.StatusSkipped)

	require.NoError(t, err)
	assert.Equal(t, int32(2), fs.calls.Load())
	assert.Len(t, history(t, fs.Memory, "u-1"), 1)
	assert.True(t, balanceOf(t, fs.Memory, "u-1").Equal(ledger.NewAmountFromInt(50)))
}

func TestApplySelection_CancelledWhileWaitingForScope(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, 0, 50)
	locker := keylock.NewLocal()
	c := newCoordinator(st)
	c.Locker = locker

	release, err := locker.Lock(context.Background(), meals.ScopeKey("u-1", "meal-1"))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ApplySelection(ctx, "u-1", "meal-1", ledger.StatusSkipped)

	assert.ErrorIs(t, err, ledger.ErrStoreTimeout)
	assert.Empty(t, history(t, st, "u-1"))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// runConcurrent fires n alternating requests for one pair and checks the
// ledger afterwards: balance is price when the final status is skipped and
// zero otherwise, and equals received - sent.
func runConcurrent(t *testing.T, st ledger.TxStore, n int) {
	t.Helper()
	seed(t, st, 0, 50)
	c := newCoordinator(st)
	c.MaxAttempts = 10
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		status := ledger.StatusSkipped
		if i%2 == 1 {
			status = ledger.StatusAttending
		}
		wg.Add(1)
		go func(s ledger.Status) {
			defer wg.Done()
			if _, err := c.ApplySelection(ctx, "u-1", "meal-1", s); err != nil {
				errs <- err
			}
		}(status)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	sel, err := st.GetSelection(ctx, "u-1", "meal-1")
	require.NoError(t, err)
	require.NotNil(t, sel)

	balance := balanceOf(t, st, "u-1")
	if sel.Status == ledger.StatusSkipped {
		assert.True(t, balance.Equal(ledger.NewAmountFromInt(50)), "balance %s", balance)
	} else {
		assert.True(t, balance.IsZero(), "balance %s", balance)
	}

	net := ledger.Zero()
	for _, tx := range history(t, st, "u-1") {
		net = net.Add(tx.SignedFor("u-1"))
	}
	assert.True(t, net.Equal(balance), "ledger net %s != balance %s", net, balance)
	assert.Equal(t, n, sel.Version, "every request bumped the version exactly once")
}

func TestApplySelection_Concurrent_Memory(t *testing.T) {
	runConcurrent(t, store.NewMemory(), 40)
}

func TestApplySelection_Concurrent_SQLite(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	runConcurrent(t, s, 20)
}

func TestApplySelection_DifferentMealsDoNotInterfere(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, 0, 50)
	ctx := context.Background()
	for i := 2; i <= 5; i++ {
		require.NoError(t, st.SaveMeal(ctx, ledger.Meal{
			ID: ledger.MealID(fmt.Sprintf("meal-%d", i)), Date: "2025-03-10",
			Type: ledger.MealDinner, Price: ledger.NewAmountFromInt(10), Active: true,
		}))
	}
	c := newCoordinator(st)

	var wg sync.WaitGroup
	for i := 2; i <= 5; i++ {
		wg.Add(1)
		go func(id ledger.MealID) {
			defer wg.Done()
			_, err := c.ApplySelection(ctx, "u-1", id, ledger.StatusSkipped)
			assert.NoError(t, err)
		}(ledger.MealID(fmt.Sprintf("meal-%d", i)))
	}
	wg.Wait()

	assert.True(t, balanceOf(t, st, "u-1").Equal(ledger.NewAmountFromInt(40)))
	assert.Len(t, history(t, st, "u-1"), 4)
}
