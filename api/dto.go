/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

AMOUNTS:
  Credit amounts are JSON numbers (ledger.Amount marshals bare decimals).
  Requests accept numbers or quoted decimals.

TIMESTAMPS:
  UTC, RFC 3339 with fractional seconds.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credeat/ledger"
)

// =============================================================================
// MEALS
// =============================================================================

// MealDTO represents a meal in API responses.
type MealDTO struct {
	ID        string        `json:"id"`
	Date      string        `json:"date"`
	Type      string        `json:"type"`
	MenuItems []string      `json:"menu_items"`
	Price     ledger.Amount `json:"price"`
	IsActive  bool          `json:"is_active"`
	CreatedAt string        `json:"created_at"`
}

// SelectionDTO represents one attendance decision.
type SelectionDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	MealID    string `json:"meal_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// SelectResponse is returned by POST /api/meals/{id}/select.
type SelectResponse struct {
	Status        string        `json:"status"` // always "success"
	NewStatus     string        `json:"new_status"`
	Balance       ledger.Amount `json:"balance"`
	TransactionID string        `json:"transaction_id,omitempty"`
}

// =============================================================================
// WALLET
// =============================================================================

// TransactionDTO represents a ledger entry.
type TransactionDTO struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"sender_id"`
	ReceiverID  string        `json:"receiver_id"`
	Amount      ledger.Amount `json:"amount"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Timestamp   string        `json:"timestamp"`
}

// WalletDTO is the caller's balance and recent history, newest first.
type WalletDTO struct {
	Balance      ledger.Amount    `json:"balance"`
	Transactions []TransactionDTO `json:"transactions"`
}

// PayRequest is the body of POST /api/wallet/pay.
type PayRequest struct {
	VendorID string        `json:"vendor_id"`
	Amount   ledger.Amount `json:"amount"`
}

type PayResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toMealDTO(m ledger.Meal) MealDTO {
	menu := m.MenuItems
	if menu == nil {
		menu = []string{}
	}
	return MealDTO{
		ID:        string(m.ID),
		Date:      m.Date,
		Type:      string(m.Type),
		MenuItems: menu,
		Price:     m.Price,
		IsActive:  m.Active,
		CreatedAt: formatTimestamp(m.CreatedAt),
	}
}

func toSelectionDTO(s ledger.Selection) SelectionDTO {
	return SelectionDTO{
		ID:        string(s.ID),
		UserID:    string(s.UserID),
		MealID:    string(s.MealID),
		Status:    string(s.Status),
		Timestamp: formatTimestamp(s.Timestamp),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		SenderID:    string(tx.SenderID),
		ReceiverID:  string(tx.ReceiverID),
		Amount:      tx.Amount,
		Type:        string(tx.Type),
		Description: tx.Description,
		Timestamp:   formatTimestamp(tx.Timestamp),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}
