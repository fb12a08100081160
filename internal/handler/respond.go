package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/vpnshop/internal/billing"
	"github.com/dukerupert/vpnshop/internal/gateway"
	"github.com/dukerupert/vpnshop/internal/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

// statusFor maps billing errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, billing.ErrTariffNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrServerNotFound),
		errors.Is(err, billing.ErrPaymentNotFound),
		errors.Is(err, billing.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotConfigured), errors.Is(err, billing.ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrProvisioningFailed), errors.Is(err, billing.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err and writes the mapped status. Internal errors get a
// generic message.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		logger.Error(op, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeErr(w, status, msg)
}
