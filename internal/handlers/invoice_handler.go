package handlers

import (
	"log/slog"
	"net/http"

	"taskmarket/internal/models"
	"taskmarket/internal/services"
)

type InvoiceHandler struct {
	Service *services.InvoiceService
	Logger  *slog.Logger
}

// POST /invoices, issued by the authenticated contractor.
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var draft models.InvoiceDraft
	if err := decodeJSON(w, r, &draft); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	inv, err := h.Service.Issue(r.Context(), userID, draft)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// GET /invoices/:id
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	inv, err := h.Service.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
