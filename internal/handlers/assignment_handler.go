package handlers

import (
	"log/slog"
	"net/http"

	"taskmarket/internal/services"
)

type AssignmentHandler struct {
	Service *services.AssignmentService
	Logger  *slog.Logger
}

// PUT /assignments/:id/status {"status": "COMPLETED"}
func (h *AssignmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	a, err := h.Service.Advance(r.Context(), userID, id, req.Status)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
