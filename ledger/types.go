/*
Package ledger provides the data model of the meal-credit economy.

PURPOSE:
  This package contains the types shared by every part of the engine:
  credit amounts, identifiers, meals, selections, wallets and the
  append-only transaction record. It holds no business rules; those
  live in the meals and wallet packages.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity of credits
  - Transaction: An immutable ledger entry recording a balance change
  - Wallet: The materialized balance of one user
  - Identifiers: Type-safe ids for users, meals, selections, transactions

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing user/meal IDs
  4. Materialized balance: Wallet.Balance always equals the net of the
     transactions touching the user (received minus sent)

SEE ALSO:
  - meal.go: Meals, statuses and selections
  - store.go: Persistence capabilities
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity of credits
// =============================================================================

// Amount is a signed quantity of credits. Balances and transaction amounts
// are never negative; signed values only appear as credit deltas.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount    { return Amount{Value: decimal.NewFromFloat(value)} }
func NewAmountFromInt(value int64) Amount { return Amount{Value: decimal.NewFromInt(value)} }
func Zero() Amount                      { return Amount{Value: decimal.Zero} }

// ParseAmount parses a decimal string such as "40" or "12.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for constants and tests. Invalid input yields zero.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		return Zero()
	}
	return a
}

func (a Amount) Add(b Amount) Amount        { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount        { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount                { return Amount{Value: a.Value.Neg()} }
func (a Amount) Abs() Amount                { return Amount{Value: a.Value.Abs()} }
func (a Amount) IsNegative() bool           { return a.Value.IsNegative() }
func (a Amount) IsZero() bool               { return a.Value.IsZero() }
func (a Amount) IsPositive() bool           { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool        { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool  { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool     { return a.Value.LessThan(b.Value) }
func (a Amount) String() string             { return a.Value.String() }

// MarshalJSON writes the amount as a bare JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Value.String()), nil
}

// UnmarshalJSON accepts both numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.Value.UnmarshalJSON(data)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type MealID string
type SelectionID string
type TransactionID string

// SystemID is the counterparty of every credit/debit produced by a meal selection.
const SystemID UserID = "SYSTEM"

// =============================================================================
// WALLET - Materialized balance of one user
// =============================================================================

// Wallet is created at registration with a zero balance. Only the selection
// coordinator and the payment service change Balance, and only through
// WalletStore.AdjustBalance.
type Wallet struct {
	UserID    UserID
	Name      string
	Balance   Amount
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - Append-only balance change
// =============================================================================

type TransactionType string

const (
	TxSkipCredit    TransactionType = "skip_credit"    // Credits earned by skipping a meal
	TxRejoinDebit   TransactionType = "rejoin_debit"   // Credits paid back when re-joining a skipped meal
	TxVendorPayment TransactionType = "vendor_payment" // User-to-vendor transfer
)

// Transaction records one balance movement from SenderID to ReceiverID.
// Amount is always positive; direction is given by sender and receiver.
type Transaction struct {
	ID          TransactionID
	SenderID    UserID
	ReceiverID  UserID
	Amount      Amount
	Type        TransactionType
	Description string
	ReferenceID string // selection or payment reference, may be empty
	Timestamp   time.Time
}

// SignedFor returns the effect of the transaction on the given user's balance.
func (t Transaction) SignedFor(userID UserID) Amount {
	switch userID {
	case t.ReceiverID:
		if t.SenderID == t.ReceiverID {
			return Zero()
		}
		return t.Amount
	case t.SenderID:
		return t.Amount.Neg()
	default:
		return Zero()
	}
}
