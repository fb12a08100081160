// Package stripe adapts Stripe Checkout Sessions to the gateway contract.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/vpnshop/internal/gateway"
	"github.com/dukerupert/vpnshop/internal/model"
)

type Config struct {
	SecretKey     string
	Currency      string
	SuccessURL    string
	CancelURL     string
	// WebhookSecret verifies Stripe-Signature headers.
	WebhookSecret string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = "rub"
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	return &Client{cfg: cfg}
}

// CreateIntent opens a one-off payment checkout session. The session ID is
// the intent ID.
func (c *Client) CreateIntent(ctx context.Context, amount decimal.Decimal, description string, metadata map[string]string) (*gateway.Intent, error) {
	if c.cfg.SecretKey == "" {
		return nil, gateway.ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.cfg.Currency),
					UnitAmount: stripe.Int64(model.ToMinor(amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &gateway.Intent{ID: sess.ID, RedirectURL: sess.URL}, nil
}

func (c *Client) IntentStatus(ctx context.Context, intentID string) (gateway.Status, error) {
	if c.cfg.SecretKey == "" {
		return "", gateway.ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := checksession.Get(intentID, params)
	if err != nil {
		return "", fmt.Errorf("get checkout session: %w", err)
	}
	return sessionStatus(sess.Status, sess.PaymentStatus), nil
}

func sessionStatus(status stripe.CheckoutSessionStatus, payment stripe.CheckoutSessionPaymentStatus) gateway.Status {
	switch {
	case status == stripe.CheckoutSessionStatusComplete && payment == stripe.CheckoutSessionPaymentStatusPaid:
		return gateway.StatusSucceeded
	case status == stripe.CheckoutSessionStatusExpired:
		return gateway.StatusCanceled
	case status == stripe.CheckoutSessionStatusComplete:
		// Completed but the charge has not cleared yet.
		return gateway.StatusWaitingForCapture
	default:
		return gateway.StatusPending
	}
}

// ParseWebhook verifies a webhook delivery and returns the checkout session it
// concerns. ok is false for event types that do not affect a payment.
func (c *Client) ParseWebhook(payload []byte, signature string) (sessionID string, ok bool, err error) {
	if c.cfg.WebhookSecret == "" {
		return "", false, gateway.ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", false, fmt.Errorf("verify webhook: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
	default:
		return "", false, nil
	}

	var sess struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", false, fmt.Errorf("decode checkout session: %w", err)
	}
	if sess.ID == "" {
		return "", false, fmt.Errorf("webhook %s has no session id", event.ID)
	}
	return sess.ID, true, nil
}
