package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"taskmarket/internal/models"
	"taskmarket/internal/payments"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// WithUserID stores the authenticated user id for the handlers.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok && id > 0
}

// getParam returns a pat path parameter (stored as ":name" in the query) or
// a plain query parameter.
func getParam(r *http.Request, name string) string {
	if val := r.URL.Query().Get(":" + name); val != "" {
		return val
	}
	if val := r.URL.Query().Get(name); val != "" {
		return val
	}
	return r.PathValue(name)
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(getParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s", models.ErrInvalidInput, name)
	}
	return id, nil
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// errorStatus maps domain errors to an HTTP status and a stable reason code.
func errorStatus(err error) (int, string) {
	var apiErr *payments.AirbapayError
	switch {
	case errors.Is(err, models.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_error"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "provider_error"
	case errors.Is(err, models.ErrPaymentNotCaptured):
		return http.StatusConflict, "provider_error"
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrUnsupportedMethod),
		errors.Is(err, models.ErrUnknownStatus),
		errors.Is(err, models.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAdditionalInvoiceNotAllowed):
		return http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, models.ErrNoBillableInvoices),
		errors.Is(err, models.ErrAlreadyBilled),
		errors.Is(err, models.ErrAlreadyPaid):
		return http.StatusConflict, "nothing_to_pay"
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrPaymentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, models.ErrAmountMismatch):
		return http.StatusConflict, "amount_mismatch"
	case errors.Is(err, models.ErrReferenceMismatch):
		return http.StatusUnprocessableEntity, "reference_mismatch"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, reason := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, Reason: reason})
}

// currentUser writes 401 and returns false when the request carries no user.
func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Reason: "forbidden"})
		return 0, false
	}
	return id, true
}
