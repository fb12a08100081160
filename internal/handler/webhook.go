package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/vpnshop/internal/billing"
)

const maxWebhookBody = 64 << 10

type PaymentReconciler interface {
	Reconcile(ctx context.Context, paymentID string) (billing.Outcome, error)
}

type StripeWebhooks interface {
	ParseWebhook(payload []byte, signature string) (sessionID string, ok bool, err error)
}

type YooKassaNotifications interface {
	ParseNotification(payload []byte) (paymentID string, ok bool, err error)
}

// WebhookHandler turns provider callbacks into an immediate reconciliation
// attempt. The provider is always queried again, so an unsigned callback can
// only make confirmation happen sooner.
type WebhookHandler struct {
	reconciler PaymentReconciler
	stripe     StripeWebhooks
	yookassa   YooKassaNotifications
	logger     *slog.Logger
}

func NewWebhookHandler(reconciler PaymentReconciler, stripe StripeWebhooks, yookassa YooKassaNotifications, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, stripe: stripe, yookassa: yookassa, logger: logger.With("component", "webhook")}
}

func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "read body")
		return
	}
	id, ok, err := h.stripe.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected stripe webhook", "error", err)
		writeErr(w, http.StatusBadRequest, "invalid signature")
		return
	}
	h.reconcile(w, r, "stripe", id, ok)
}

func (h *WebhookHandler) YooKassa(w http.ResponseWriter, r *http.Request) {
	if h.yookassa == nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "read body")
		return
	}
	id, ok, err := h.yookassa.ParseNotification(body)
	if err != nil {
		h.logger.Warn("rejected yookassa notification", "error", err)
		writeErr(w, http.StatusBadRequest, "invalid notification")
		return
	}
	h.reconcile(w, r, "yookassa", id, ok)
}

// reconcile answers 200 for anything the provider should not redeliver and
// 500 when a retry could succeed.
func (h *WebhookHandler) reconcile(w http.ResponseWriter, r *http.Request, provider, paymentID string, ok bool) {
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	outcome, err := h.reconciler.Reconcile(r.Context(), paymentID)
	switch {
	case errors.Is(err, billing.ErrPaymentNotFound):
		h.logger.Info("webhook for unknown payment", "provider", provider, "payment_id", paymentID)
	case err != nil:
		h.logger.Error("webhook reconcile", "provider", provider, "payment_id", paymentID, "error", err)
		writeErr(w, http.StatusInternalServerError, "retry later")
		return
	default:
		h.logger.Info("webhook reconciled", "provider", provider, "payment_id", paymentID, "outcome", outcome)
	}
	w.WriteHeader(http.StatusOK)
}
