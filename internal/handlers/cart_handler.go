package handlers

import (
	"log/slog"
	"net/http"

	"taskmarket/internal/services"
)

type CartHandler struct {
	Service *services.CartService
	Logger  *slog.Logger
}

// GET /cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	view, err := h.Service.GetCart(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type cartItemRequest struct {
	InvoiceID int64 `json:"invoice_id"`
}

// POST /cart/add {"invoice_id": 1}
func (h *CartHandler) AddInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req cartItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if err := h.Service.AddInvoice(r.Context(), userID, req.InvoiceID); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.GetCart(w, r)
}

// POST /cart/remove {"invoice_id": 1}
func (h *CartHandler) RemoveInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req cartItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if err := h.Service.RemoveInvoice(r.Context(), userID, req.InvoiceID); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.GetCart(w, r)
}
