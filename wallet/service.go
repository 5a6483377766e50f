/*
Package wallet provides the read side of the ledger plus vendor payments.

PURPOSE:
  - GetWallet: live balance and the most recent transactions, newest first
  - Pay: move credits from a user to a vendor in one store transaction
  - Verify: recompute a balance from history and compare it with the
    materialized value (read-only audit)

READ CONSISTENCY:
  GetWallet takes no locks and sees whatever the store's normal read
  consistency gives it. Verify reads inside one store transaction. Neither
  writes.

SEE ALSO:
  - auditor.go: Scheduled Verify over every wallet
  - meals/coordinator.go: The other writer of balances
*/
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/credeat/ledger"
	"github.com/warp/credeat/metrics"
)

// DefaultTransactionLimit is how many transactions GetWallet returns.
const DefaultTransactionLimit = 50

type Service struct {
	Store            ledger.TxStore
	Log              logrus.FieldLogger
	TransactionLimit int

	Now   func() time.Time
	NewID func() string
}

func NewService(store ledger.TxStore) *Service {
	return &Service{
		Store:            store,
		Log:              logrus.StandardLogger(),
		TransactionLimit: DefaultTransactionLimit,
		Now:              func() time.Time { return time.Now().UTC() },
		NewID:            uuid.NewString,
	}
}

// Statement is a wallet balance with its recent history.
type Statement struct {
	UserID       ledger.UserID
	Balance      ledger.Amount
	Transactions []ledger.Transaction
}

// GetWallet returns the live balance and the newest transactions touching userID.
func (s *Service) GetWallet(ctx context.Context, userID ledger.UserID) (Statement, error) {
	w, err := s.Store.GetWallet(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	if w == nil {
		return Statement{}, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, userID)
	}

	limit := s.TransactionLimit
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	txs, err := s.Store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return Statement{}, err
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}

	return Statement{UserID: userID, Balance: w.Balance, Transactions: txs}, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// Pay transfers amount from a user to a vendor. Both balance changes and the
// transaction record commit together or not at all.
func (s *Service) Pay(ctx context.Context, from, to ledger.UserID, amount ledger.Amount) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("%w: payment must be positive, got %v", ledger.ErrInvalidAmount, amount)
	}
	if from == to {
		return ledger.Transaction{}, ledger.ErrSelfTransfer
	}

	var tx ledger.Transaction
	err := s.Store.WithTx(ctx, func(st ledger.Store) error {
		payer, err := st.GetWallet(ctx, from)
		if err != nil {
			return err
		}
		if payer == nil {
			return fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, from)
		}
		if payer.Balance.LessThan(amount) {
			return ledger.NewInsufficientCredits(from, payer.Balance, amount)
		}
		vendor, err := st.GetWallet(ctx, to)
		if err != nil {
			return err
		}
		if vendor == nil {
			return fmt.Errorf("%w: %s", ledger.ErrVendorNotFound, to)
		}

		if _, err := st.AdjustBalance(ctx, from, amount.Neg()); err != nil {
			return err
		}
		if _, err := st.AdjustBalance(ctx, to, amount); err != nil {
			return err
		}

		tx = ledger.Transaction{
			ID:          ledger.TransactionID(s.NewID()),
			SenderID:    from,
			ReceiverID:  to,
			Amount:      amount,
			Type:        ledger.TxVendorPayment,
			Description: "Payment to " + vendorName(*vendor),
			Timestamp:   s.Now(),
		}
		return st.AppendTransaction(ctx, tx)
	})

	log := s.Log.WithFields(logrus.Fields{
		"from_user_id": from,
		"to_user_id":   to,
		"amount":       amount.String(),
	})
	if err != nil {
		log.WithField("error", err.Error()).Warn("Payment failed")
		return ledger.Transaction{}, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(tx.Type)).Inc()
	log.WithField("tx_id", tx.ID).Info("Payment transaction")
	return tx, nil
}

func vendorName(w ledger.Wallet) string {
	if w.Name != "" {
		return w.Name
	}
	return string(w.UserID)
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Reconciliation compares a materialized balance with its history.
type Reconciliation struct {
	UserID       ledger.UserID
	Balance      ledger.Amount
	Computed     ledger.Amount // received - sent over the full history
	Drift        ledger.Amount // Balance - Computed
	Transactions int
}

func (r Reconciliation) Consistent() bool { return r.Drift.IsZero() }

// Verify recomputes userID's balance from every transaction touching it.
// Both reads run in one store transaction so a concurrent write cannot show
// up as drift.
func (s *Service) Verify(ctx context.Context, userID ledger.UserID) (Reconciliation, error) {
	var rec Reconciliation
	err := s.Store.WithTx(ctx, func(st ledger.Store) error {
		w, err := st.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, userID)
		}

		txs, err := st.ListTransactions(ctx, userID, 0)
		if err != nil {
			return err
		}

		computed := ledger.Zero()
		for _, tx := range txs {
			computed = computed.Add(tx.SignedFor(userID))
		}

		rec = Reconciliation{
			UserID:       userID,
			Balance:      w.Balance,
			Computed:     computed,
			Drift:        w.Balance.Sub(computed),
			Transactions: len(txs),
		}
		return nil
	})
	return rec, err
}
