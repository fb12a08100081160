package stripe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/vpnshop/internal/gateway"
)

func TestSessionStatus(t *testing.T) {
	tests := []struct {
		status  stripe.CheckoutSessionStatus
		payment stripe.CheckoutSessionPaymentStatus
		want    gateway.Status
	}{
		{stripe.CheckoutSessionStatusOpen, stripe.CheckoutSessionPaymentStatusUnpaid, gateway.StatusPending},
		{stripe.CheckoutSessionStatusComplete, stripe.CheckoutSessionPaymentStatusPaid, gateway.StatusSucceeded},
		{stripe.CheckoutSessionStatusComplete, stripe.CheckoutSessionPaymentStatusUnpaid, gateway.StatusWaitingForCapture},
		{stripe.CheckoutSessionStatusExpired, stripe.CheckoutSessionPaymentStatusUnpaid, gateway.StatusCanceled},
	}
	for _, tt := range tests {
		if got := sessionStatus(tt.status, tt.payment); got != tt.want {
			t.Errorf("sessionStatus(%s, %s) = %q, want %q", tt.status, tt.payment, got, tt.want)
		}
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.CreateIntent(context.Background(), decimal.NewFromInt(1), "x", nil); !errors.Is(err, gateway.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func signedEvent(t *testing.T, secret, eventType, sessionID string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","object":"event","api_version":%q,"type":%q,"data":{"object":{"id":%q,"object":"checkout.session"}}}`,
		stripe.APIVersion, eventType, sessionID))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestParseWebhook(t *testing.T) {
	c := NewClient(Config{WebhookSecret: "whsec_test"})

	payload, header := signedEvent(t, "whsec_test", "checkout.session.completed", "cs_test_1")
	id, ok, err := c.ParseWebhook(payload, header)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if !ok || id != "cs_test_1" {
		t.Errorf("ParseWebhook = %q, %v, want cs_test_1, true", id, ok)
	}

	payload, header = signedEvent(t, "whsec_test", "customer.created", "cus_1")
	if _, ok, err := c.ParseWebhook(payload, header); err != nil || ok {
		t.Errorf("unrelated event = %v, %v, want ignored", ok, err)
	}

	payload, header = signedEvent(t, "whsec_other", "checkout.session.completed", "cs_test_1")
	if _, _, err := c.ParseWebhook(payload, header); err == nil {
		t.Error("expected signature error")
	}
}

func TestParseWebhookNotConfigured(t *testing.T) {
	c := NewClient(Config{})
	if _, _, err := c.ParseWebhook([]byte("{}"), ""); !errors.Is(err, gateway.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
