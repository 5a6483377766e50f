/*
coordinator.go - Selection transition coordinator

PURPOSE:
  Applies a user's attendance decision for a meal: records the selection,
  moves credits in or out of the wallet and appends the transaction, all
  or nothing.

ALGORITHM (per request):
  1. Reject statuses other than attending/skipped before touching anything
  2. Acquire the serialization scope for (user, meal)
  3. Inside one store transaction, under a per-attempt timeout:
     a. Load the meal; absent or inactive → MealNotFound
     b. Load the current selection → previous status + version
     c. Evaluate(previous, requested, price) → delta
     d. Read the live balance; a debit that would go negative →
        InsufficientCredits (nothing has been written yet)
     e. Save the selection guarded by the version read in (b)
     f. If delta ≠ 0: AdjustBalance(delta), AppendTransaction
  4. Release the scope after the store call has returned

RETRIES:
  ConcurrentConflict and StoreUnavailable roll the transaction back and are
  retried from step 3a, at most MaxAttempts times, then surface as
  StoreUnavailable. StoreTimeout surfaces immediately. Business-rule errors
  are never retried.

DIRECTION:
  Credits are recorded SYSTEM → user, debits user → SYSTEM. The amount is
  always the absolute delta, so balance == received - sent holds for every
  wallet.

SEE ALSO:
  - rules.go: Credit rules
  - keylock/: Serialization scopes
  - ledger/store.go: Store capabilities used here
*/
package meals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/credeat/keylock"
	"github.com/warp/credeat/ledger"
	"github.com/warp/credeat/metrics"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBackoff      = 20 * time.Millisecond
)

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Store  ledger.TxStore
	Locker keylock.Locker
	Log    logrus.FieldLogger

	// StoreTimeout bounds each attempt's store transaction. Zero disables it.
	StoreTimeout time.Duration
	MaxAttempts  int
	Backoff      time.Duration

	Now   func() time.Time
	NewID func() string
}

func NewCoordinator(store ledger.TxStore, locker keylock.Locker) *Coordinator {
	return &Coordinator{
		Store:        store,
		Locker:       locker,
		Log:          logrus.StandardLogger(),
		StoreTimeout: DefaultStoreTimeout,
		MaxAttempts:  DefaultMaxAttempts,
		Backoff:      DefaultBackoff,
		Now:          func() time.Time { return time.Now().UTC() },
		NewID:        uuid.NewString,
	}
}

// SelectionResult describes a committed transition.
type SelectionResult struct {
	Selection    ledger.Selection
	Previous     ledger.Status
	BalanceAfter ledger.Amount
	Transaction  *ledger.Transaction // nil when no credits moved
}

// ApplySelection records status for (userID, mealID) and settles the credits.
func (c *Coordinator) ApplySelection(ctx context.Context, userID ledger.UserID, mealID ledger.MealID, status ledger.Status) (SelectionResult, error) {
	if !status.Valid() {
		metrics.SelectionsTotal.WithLabelValues("unknown", "invalid", "invalid_status").Inc()
		return SelectionResult{}, &ledger.InvalidStatusError{Value: string(status)}
	}

	release, err := c.Locker.Lock(ctx, ScopeKey(userID, mealID))
	if err != nil {
		return SelectionResult{}, classify(err)
	}
	defer release()

	log := c.Log.WithFields(logrus.Fields{
		"user_id": userID,
		"meal_id": mealID,
		"status":  status,
	})

	maxAttempts := c.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := c.attempt(ctx, userID, mealID, status)
		if err == nil {
			metrics.SelectionAttempts.Observe(float64(attempt))
			metrics.SelectionsTotal.WithLabelValues(result.Previous.String(), status.String(), "ok").Inc()
			c.logCommitted(log, result)
			return result, nil
		}

		err = classify(err)
		if !errors.Is(err, ledger.ErrConcurrentConflict) && !errors.Is(err, ledger.ErrStoreUnavailable) {
			metrics.SelectionAttempts.Observe(float64(attempt))
			metrics.SelectionsTotal.WithLabelValues(result.Previous.String(), status.String(), resultLabel(err)).Inc()
			if ledger.IsClientError(err) || ledger.IsNotFound(err) {
				log.WithField("reason", err.Error()).Info("Selection rejected")
			} else {
				log.WithField("error", err.Error()).Error("Selection failed")
			}
			return SelectionResult{}, err
		}

		lastErr = err
		log.WithFields(logrus.Fields{"attempt": attempt, "error": err.Error()}).Warn("Selection attempt rolled back")

		if attempt < maxAttempts {
			if err := sleep(ctx, c.Backoff*time.Duration(attempt)); err != nil {
				return SelectionResult{}, classify(err)
			}
		}
	}

	metrics.SelectionAttempts.Observe(float64(maxAttempts))
	metrics.SelectionsTotal.WithLabelValues("unknown", status.String(), "store_unavailable").Inc()
	log.WithField("error", lastErr.Error()).Error("Selection gave up")
	return SelectionResult{}, fmt.Errorf("%w: gave up after %d attempts: %w", ledger.ErrStoreUnavailable, maxAttempts, lastErr)
}

// attempt runs one all-or-nothing pass of the transition.
func (c *Coordinator) attempt(ctx context.Context, userID ledger.UserID, mealID ledger.MealID, status ledger.Status) (SelectionResult, error) {
	if c.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.StoreTimeout)
		defer cancel()
	}

	var result SelectionResult
	err := c.Store.WithTx(ctx, func(s ledger.Store) error {
		meal, err := s.GetMeal(ctx, mealID)
		if err != nil {
			return err
		}
		if meal == nil || !meal.Active {
			return fmt.Errorf("%w: %s", ledger.ErrMealNotFound, mealID)
		}

		current, err := s.GetSelection(ctx, userID, mealID)
		if err != nil {
			return err
		}
		previous, expected := ledger.StatusNone, 0
		if current != nil {
			previous, expected = current.Status, current.Version
		}
		result.Previous = previous

		outcome, err := Evaluate(previous, status, meal.Price)
		if err != nil {
			return err
		}

		wallet, err := s.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, userID)
		}
		if outcome.Delta.IsNegative() && wallet.Balance.Add(outcome.Delta).IsNegative() {
			return ledger.NewInsufficientCredits(userID, wallet.Balance, outcome.Delta.Neg())
		}

		now := c.Now()
		sel := ledger.Selection{
			UserID:    userID,
			MealID:    mealID,
			Status:    status,
			Version:   expected + 1,
			Timestamp: now,
		}
		if current != nil {
			sel.ID = current.ID
		} else {
			sel.ID = ledger.SelectionID(c.NewID())
		}
		if _, err := s.SaveSelection(ctx, sel, expected); err != nil {
			return err
		}

		result.Selection = sel
		result.BalanceAfter = wallet.Balance
		if !outcome.Record {
			return nil
		}

		balance, err := s.AdjustBalance(ctx, userID, outcome.Delta)
		if err != nil {
			return err
		}
		tx := c.transactionFor(userID, *meal, sel, outcome, now)
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result.BalanceAfter = balance
		result.Transaction = &tx
		return nil
	})
	return result, err
}

func (c *Coordinator) transactionFor(userID ledger.UserID, meal ledger.Meal, sel ledger.Selection, outcome Outcome, at time.Time) ledger.Transaction {
	tx := ledger.Transaction{
		ID:          ledger.TransactionID(c.NewID()),
		Amount:      outcome.Delta.Abs(),
		Type:        outcome.Type,
		ReferenceID: string(sel.ID),
		Timestamp:   at,
	}
	if outcome.Delta.IsPositive() {
		tx.SenderID, tx.ReceiverID = ledger.SystemID, userID
		tx.Description = fmt.Sprintf("Earned credits for meal %s %s", meal.Date, meal.Type)
	} else {
		tx.SenderID, tx.ReceiverID = userID, ledger.SystemID
		tx.Description = fmt.Sprintf("Spent credits for meal %s %s", meal.Date, meal.Type)
	}
	return tx
}

func (c *Coordinator) logCommitted(log logrus.FieldLogger, result SelectionResult) {
	fields := logrus.Fields{
		"previous":      result.Previous.String(),
		"selection_id":  result.Selection.ID,
		"balance_after": result.BalanceAfter.String(),
	}
	if tx := result.Transaction; tx != nil {
		metrics.TransactionsTotal.WithLabelValues(string(tx.Type)).Inc()
		fields["tx_id"] = tx.ID
		fields["tx_type"] = tx.Type
		fields["amount"] = tx.Amount.String()
	}
	log.WithFields(fields).Info("Selection applied")
}

// =============================================================================
// HELPERS
// =============================================================================

// ScopeKey names the serialization scope of a (user, meal) pair.
func ScopeKey(userID ledger.UserID, mealID ledger.MealID) string {
	return "selection:" + string(userID) + ":" + string(mealID)
}

// classify maps context deadlines onto ErrStoreTimeout and leaves the rest.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ledger.ErrStoreTimeout) {
		return fmt.Errorf("%w: %w", ledger.ErrStoreTimeout, err)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ledger.ErrMealNotFound):
		return "meal_not_found"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ledger.ErrStoreTimeout):
		return "store_timeout"
	default:
		return "error"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
