/*
handlers.go - HTTP API handlers for meal selection and wallets

PURPOSE:
  Exposes the selection coordinator and the wallet service via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic. Every endpoint acts on the authenticated caller.

ENDPOINTS:
  Meals:
    GET    /api/meals                      Active meals
    POST   /api/meals/{id}/select?status=  Attend or skip a meal
    GET    /api/meals/my-selections        Caller's selections

  Wallet:
    GET    /api/wallet                     Balance + recent transactions
    POST   /api/wallet/pay                 Pay a vendor

REQUEST FLOW:
  1. Resolve caller from the auth middleware
  2. Parse and validate input
  3. Call domain logic (meals.Coordinator, wallet.Service)
  4. Serialize response
  5. Map errors to status codes (statusFor)

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: Invalid status, insufficient credits, invalid amount, self payment
  - 401: Missing or invalid token
  - 404: Meal, wallet or vendor not found
  - 503: Store timeout or unavailable (with Retry-After)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/credeat/ledger"
	"github.com/warp/credeat/meals"
	"github.com/warp/credeat/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Catalog     *meals.Catalog
	Coordinator *meals.Coordinator
	Wallets     *wallet.Service
	Log         logrus.FieldLogger
}

func NewHandler(catalog *meals.Catalog, coordinator *meals.Coordinator, wallets *wallet.Service) *Handler {
	return &Handler{
		Catalog:     catalog,
		Coordinator: coordinator,
		Wallets:     wallets,
		Log:         logrus.StandardLogger(),
	}
}

// =============================================================================
// MEAL HANDLERS
// =============================================================================

// ListMeals returns active meals.
func (h *Handler) ListMeals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Catalog.ActiveMeals(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list meals", err)
		return
	}

	dtos := make([]MealDTO, len(list))
	for i, m := range list {
		dtos[i] = toMealDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SelectMeal applies the caller's attending/skipped decision.
func (h *Handler) SelectMeal(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized", nil)
		return
	}
	mealID := chi.URLParam(r, "id")

	status, err := ledger.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, "Invalid status", err)
		return
	}

	result, err := h.Coordinator.ApplySelection(r.Context(), ledger.UserID(userID), ledger.MealID(mealID), status)
	if err != nil {
		h.fail(w, r, messageFor(err, "Failed to update selection"), err)
		return
	}

	resp := SelectResponse{
		Status:    "success",
		NewStatus: string(result.Selection.Status),
		Balance:   result.BalanceAfter,
	}
	if result.Transaction != nil {
		resp.TransactionID = string(result.Transaction.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// MySelections returns the caller's selection records.
func (h *Handler) MySelections(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized", nil)
		return
	}

	sels, err := h.Catalog.Selections(r.Context(), ledger.UserID(userID))
	if err != nil {
		h.fail(w, r, "Failed to list selections", err)
		return
	}

	dtos := make([]SelectionDTO, len(sels))
	for i, s := range sels {
		dtos[i] = toSelectionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetWallet returns the caller's balance and most recent transactions.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized", nil)
		return
	}

	stmt, err := h.Wallets.GetWallet(r.Context(), ledger.UserID(userID))
	if err != nil {
		h.fail(w, r, messageFor(err, "Failed to load wallet"), err)
		return
	}

	writeJSON(w, http.StatusOK, WalletDTO{
		Balance:      stmt.Balance,
		Transactions: toTransactionDTOs(stmt.Transactions),
	})
}

// PayVendor moves credits from the caller to a vendor.
func (h *Handler) PayVendor(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized", nil)
		return
	}

	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_request", err)
		return
	}
	if req.VendorID == "" {
		writeError(w, http.StatusBadRequest, "vendor_id is required", "invalid_request", nil)
		return
	}

	tx, err := h.Wallets.Pay(r.Context(), ledger.UserID(userID), ledger.UserID(req.VendorID), req.Amount)
	if err != nil {
		h.fail(w, r, messageFor(err, "Payment failed"), err)
		return
	}

	writeJSON(w, http.StatusOK, PayResponse{Status: "success", TransactionID: string(tx.ID)})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps the ledger error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidStatus):
		return http.StatusBadRequest, "invalid_status"
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusBadRequest, "insufficient_credits"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrSelfTransfer):
		return http.StatusBadRequest, "self_transfer"
	case errors.Is(err, ledger.ErrMealNotFound):
		return http.StatusNotFound, "meal_not_found"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, ledger.ErrVendorNotFound):
		return http.StatusNotFound, "vendor_not_found"
	case errors.Is(err, ledger.ErrStoreTimeout):
		return http.StatusServiceUnavailable, "store_timeout"
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, ledger.ErrConcurrentConflict):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// messageFor gives client errors a readable message and hides the rest.
func messageFor(err error, fallback string) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return "Insufficient credits"
	case errors.Is(err, ledger.ErrMealNotFound):
		return "Meal not found"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return "Wallet not found"
	case errors.Is(err, ledger.ErrVendorNotFound):
		return "Vendor not found"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "Invalid amount"
	case errors.Is(err, ledger.ErrSelfTransfer):
		return "Cannot pay yourself"
	case errors.Is(err, ledger.ErrStoreTimeout), errors.Is(err, ledger.ErrStoreUnavailable):
		return "Service temporarily unavailable, retry"
	}
	return fallback
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"path":  r.URL.Path,
			"code":  code,
			"error": err.Error(),
		}).Error("Request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	// Internal details stay in the log.
	if status == http.StatusInternalServerError {
		err = nil
	}
	writeError(w, status, message, code, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
