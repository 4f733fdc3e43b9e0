package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"taskmarket/internal/models"
	"taskmarket/internal/services"
)

// WebhookHandler receives provider callbacks. Both routes feed the same
// reconciliation entrypoint; they differ only in what the provider expects
// back.
type WebhookHandler struct {
	Engine *services.ReconciliationService
	Logger *slog.Logger
}

func (h *WebhookHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// POST /webhooks/card (AirbaPay JSON callback)
func (h *WebhookHandler) Card(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	res, err := h.Engine.HandleProviderEvent(r.Context(), models.PaymentMethodCard, raw, r.Header.Get("X-Signature"))
	if err != nil {
		h.logger().Warn("card webhook rejected", "err", err)
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"ignored":    res.Ignored,
		"changed":    res.Changed,
		"payment_id": res.Payment.ID,
	})
}

// POST /webhooks/wallet (Robokassa Result URL, form encoded). Robokassa
// retries until it reads "OK<InvId>".
func (h *WebhookHandler) Wallet(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		// GET-style callbacks carry the form in the query
		raw = []byte(r.URL.RawQuery)
	}
	res, err := h.Engine.HandleProviderEvent(r.Context(), models.PaymentMethodWallet, raw, "")
	if err != nil {
		h.logger().Warn("wallet webhook rejected", "err", err)
		status, _ := errorStatus(err)
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK" + strconv.FormatInt(res.Payment.ID, 10)))
}
