package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
	"taskmarket/internal/services"
)

type PaymentHandler struct {
	Engine *services.ReconciliationService
	Ledger *services.PaymentLedger
	Logger *slog.Logger
}

type checkoutRequest struct {
	InvoiceIDs    []int64              `json:"invoice_ids"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

// POST /checkout
// {"invoice_ids": [1, 2], "payment_method": "card"}; empty ids pay the cart.
func (h *PaymentHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	res, err := h.Engine.Checkout(r.Context(), userID, req.InvoiceIDs, req.PaymentMethod)
	if err != nil {
		h.intentFailed(w, res, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// POST /payments/:id/retry
func (h *PaymentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	paymentID, err := idParam(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	res, err := h.Engine.RetryIntent(r.Context(), userID, paymentID)
	if err != nil {
		h.intentFailed(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// intentFailed keeps the payment id in the error body when the payment
// exists, so the client can retry it.
func (h *PaymentHandler) intentFailed(w http.ResponseWriter, res services.CheckoutResult, err error) {
	if res.PaymentID == 0 {
		writeError(w, h.Logger, err)
		return
	}
	status, reason := errorStatus(err)
	writeJSON(w, status, struct {
		errorBody
		Payment services.CheckoutResult `json:"payment"`
	}{errorBody{Error: err.Error(), Reason: reason}, res})
}

type confirmRequest struct {
	ProviderTransactionID string          `json:"provider_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
}

// POST /payments/:id/confirm
func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	paymentID, err := idParam(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	res, err := h.Engine.ConfirmPayment(r.Context(), userID, paymentID, req.ProviderTransactionID, req.Amount)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"changed": res.Changed,
		"payment": res.Payment,
	})
}

// GET /payments/:id
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	paymentID, err := idParam(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	p, err := h.Ledger.PaymentForUser(r.Context(), userID, paymentID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": p, "state": p.State()})
}

// GET /payments?role=client|contractor
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	switch role := r.URL.Query().Get("role"); role {
	case "", "client":
		list, err := h.Ledger.PaymentsForClient(r.Context(), userID)
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": nonNil(list)})
	case "contractor":
		list, err := h.Ledger.PaymentsForContractor(r.Context(), userID)
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": nonNil(list)})
	default:
		writeError(w, h.Logger, badRole(role))
	}
}

// GET /payments/monthly?role=client|contractor
func (h *PaymentHandler) Monthly(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var totals []models.MonthlyTotal
	switch role := r.URL.Query().Get("role"); role {
	case "", "client":
		list, err := h.Ledger.PaymentsForClient(r.Context(), userID)
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		totals = services.MonthlySummary(list)
	case "contractor":
		list, err := h.Ledger.PaymentsForContractor(r.Context(), userID)
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		totals = services.ContractorMonthlySummary(list)
	default:
		writeError(w, h.Logger, badRole(role))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"months": totals})
}

func badRole(role string) error {
	return fmt.Errorf("%w: role must be client or contractor, got %q", models.ErrInvalidInput, role)
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
