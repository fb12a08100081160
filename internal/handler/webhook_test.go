package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/vpnshop/internal/billing"
)

type fakeReconciler struct {
	ids []string
	err error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, paymentID string) (billing.Outcome, error) {
	f.ids = append(f.ids, paymentID)
	return billing.OutcomeConfirmed, f.err
}

type fakeStripeWebhooks struct{}

func (fakeStripeWebhooks) ParseWebhook(payload []byte, signature string) (string, bool, error) {
	if signature != "good" {
		return "", false, errors.New("bad signature")
	}
	body := string(payload)
	if body == "ignored" {
		return "", false, nil
	}
	return body, true, nil
}

type fakeYooKassa struct{}

func (fakeYooKassa) ParseNotification(payload []byte) (string, bool, error) {
	if len(payload) == 0 {
		return "", false, errors.New("empty")
	}
	return string(payload), true, nil
}

func serveWebhook(h http.HandlerFunc, body, signature string) int {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/x", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec.Code
}

func TestStripeWebhook(t *testing.T) {
	rec := &fakeReconciler{}
	h := NewWebhookHandler(rec, fakeStripeWebhooks{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if code := serveWebhook(h.Stripe, "cs_1", "good"); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if code := serveWebhook(h.Stripe, "cs_1", "forged"); code != http.StatusBadRequest {
		t.Errorf("forged status = %d, want 400", code)
	}
	if code := serveWebhook(h.Stripe, "ignored", "good"); code != http.StatusOK {
		t.Errorf("ignored status = %d, want 200", code)
	}
	if fmt.Sprint(rec.ids) != "[cs_1]" {
		t.Errorf("reconciled = %v, want [cs_1]", rec.ids)
	}

	// No YooKassa source configured.
	if code := serveWebhook(h.YooKassa, "p-1", ""); code != http.StatusNotFound {
		t.Errorf("yookassa status = %d, want 404", code)
	}
}

func TestYooKassaWebhookErrors(t *testing.T) {
	rec := &fakeReconciler{err: fmt.Errorf("confirm: %w", billing.ErrPaymentNotFound)}
	h := NewWebhookHandler(rec, nil, fakeYooKassa{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if code := serveWebhook(h.YooKassa, "unknown", ""); code != http.StatusOK {
		t.Errorf("unknown payment status = %d, want 200", code)
	}

	rec.err = errors.New("database busy")
	if code := serveWebhook(h.YooKassa, "p-1", ""); code != http.StatusInternalServerError {
		t.Errorf("transient failure status = %d, want 500", code)
	}
	if code := serveWebhook(h.YooKassa, "", ""); code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", code)
	}
}
