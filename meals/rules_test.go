package meals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credeat/ledger"
)

func TestEvaluate_TransitionTable(t *testing.T) {
	price := ledger.NewAmountFromInt(50)

	tests := []struct {
		name     string
		previous ledger.Status
		next     ledger.Status
		delta    int64
		txType   ledger.TransactionType
		record   bool
	}{
		{"first skip earns", ledger.StatusNone, ledger.StatusSkipped, 50, ledger.TxSkipCredit, true},
		{"first attend is free", ledger.StatusNone, ledger.StatusAttending, 0, "", false},
		{"attending to skipped earns", ledger.StatusAttending, ledger.StatusSkipped, 50, ledger.TxSkipCredit, true},
		{"skipped to attending pays back", ledger.StatusSkipped, ledger.StatusAttending, -50, ledger.TxRejoinDebit, true},
		{"attending again is a no-op", ledger.StatusAttending, ledger.StatusAttending, 0, "", false},
		{"skipped again is a no-op", ledger.StatusSkipped, ledger.StatusSkipped, 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Evaluate(tt.previous, tt.next, price)

			require.NoError(t, err)
			assert.True(t, out.Delta.Equal(ledger.NewAmountFromInt(tt.delta)), "delta %s", out.Delta)
			assert.Equal(t, tt.txType, out.Type)
			assert.Equal(t, tt.record, out.Record)
		})
	}
}

func TestEvaluate_NoneIsNeverRequested(t *testing.T) {
	for _, prev := range []ledger.Status{ledger.StatusNone, ledger.StatusAttending, ledger.StatusSkipped} {
		_, err := Evaluate(prev, ledger.StatusNone, ledger.NewAmountFromInt(50))

		var invalid *ledger.InvalidStatusError
		assert.ErrorAs(t, err, &invalid, "prev=%s", prev)
		assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
	}
}

func TestEvaluate_UnknownStatus(t *testing.T) {
	_, err := Evaluate(ledger.StatusNone, ledger.Status("maybe"), ledger.NewAmountFromInt(50))
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)

	_, err = Evaluate(ledger.Status("cancelled"), ledger.StatusSkipped, ledger.NewAmountFromInt(50))
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
}

func TestEvaluate_ZeroPriceRecordsNothing(t *testing.T) {
	// GIVEN: A free meal
	// WHEN: Skipping it
	// THEN: Nothing moves and no transaction is produced

	out, err := Evaluate(ledger.StatusNone, ledger.StatusSkipped, ledger.Zero())

	require.NoError(t, err)
	assert.True(t, out.Delta.IsZero())
	assert.False(t, out.Record)
}

func TestEvaluate_NegativePriceRejected(t *testing.T) {
	_, err := Evaluate(ledger.StatusNone, ledger.StatusSkipped, ledger.NewAmountFromInt(-1))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestEvaluate_FractionalPrice(t *testing.T) {
	out, err := Evaluate(ledger.StatusSkipped, ledger.StatusAttending, ledger.MustParseAmount("42.50"))

	require.NoError(t, err)
	assert.Equal(t, "-42.5", out.Delta.String())
}
