/*
rules.go - Credit rules for selection transitions

PURPOSE:
  Maps a (previous status, requested status, meal price) triple onto the
  signed credit delta that the transition produces and the transaction type
  that records it. Evaluate is pure.

TRANSITION TABLE (previous → requested):
  none      → skipped    +price  skip_credit
  none      → attending   0      (no transaction)
  attending → skipped    +price  skip_credit
  skipped   → attending  -price  rejoin_debit
  attending → attending   0      (timestamp refresh only)
  skipped   → skipped     0      (timestamp refresh only)
  *         → none       InvalidStatus

  Any status outside {none, attending, skipped} is InvalidStatus as well,
  on either side of the arrow.

SEE ALSO:
  - coordinator.go: Applies the outcome to the stores
*/
package meals

import (
	"github.com/warp/credeat/ledger"
)

// Outcome is the result of evaluating one transition.
type Outcome struct {
	// Delta is added to the wallet balance. Positive credits, negative debits.
	Delta ledger.Amount

	// Type tags the transaction. Empty when Record is false.
	Type ledger.TransactionType

	// Record is true when the transition produces a transaction.
	Record bool
}

type transition struct {
	from ledger.Status
	to   ledger.Status
}

type creditRule int

const (
	ruleNone creditRule = iota
	ruleCredit
	ruleDebit
)

var transitions = map[transition]creditRule{
	{ledger.StatusNone, ledger.StatusSkipped}:        ruleCredit,
	{ledger.StatusNone, ledger.StatusAttending}:      ruleNone,
	{ledger.StatusAttending, ledger.StatusSkipped}:   ruleCredit,
	{ledger.StatusSkipped, ledger.StatusAttending}:   ruleDebit,
	{ledger.StatusAttending, ledger.StatusAttending}: ruleNone,
	{ledger.StatusSkipped, ledger.StatusSkipped}:     ruleNone,
}

// Evaluate computes the credit outcome of moving from previous to next at
// the given meal price.
func Evaluate(previous, next ledger.Status, price ledger.Amount) (Outcome, error) {
	if !next.Valid() {
		return Outcome{}, &ledger.InvalidStatusError{Value: string(next)}
	}
	rule, ok := transitions[transition{from: previous, to: next}]
	if !ok {
		return Outcome{}, &ledger.InvalidStatusError{Value: string(previous)}
	}
	if price.IsNegative() {
		return Outcome{}, ledger.ErrInvalidAmount
	}

	switch rule {
	case ruleCredit:
		return recorded(price, ledger.TxSkipCredit), nil
	case ruleDebit:
		return recorded(price.Neg(), ledger.TxRejoinDebit), nil
	default:
		return Outcome{Delta: ledger.Zero()}, nil
	}
}

// A zero-priced meal moves no credits and therefore records nothing.
func recorded(delta ledger.Amount, txType ledger.TransactionType) Outcome {
	if delta.IsZero() {
		return Outcome{Delta: ledger.Zero()}
	}
	return Outcome{Delta: delta, Type: txType, Record: true}
}
