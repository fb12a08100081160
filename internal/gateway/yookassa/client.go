// Package yookassa is a client for the YooKassa v3 payments API.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/gateway"
)

const defaultBaseURL = "https://api.yookassa.ru/v3"

type Config struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	Currency  string
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = u }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Configured returns true if shop credentials are set.
func (c *Client) Configured() bool {
	return c.cfg.ShopID != "" && c.cfg.SecretKey != ""
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type paymentRequest struct {
	Amount       amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation confirmation      `json:"confirmation"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type paymentResponse struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Paid         bool         `json:"paid"`
	Confirmation confirmation `json:"confirmation"`
}

type apiError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (c *Client) CreateIntent(ctx context.Context, amt decimal.Decimal, description string, metadata map[string]string) (*gateway.Intent, error) {
	if !c.Configured() {
		return nil, gateway.ErrNotConfigured
	}
	body := paymentRequest{
		Amount:       amount{Value: amt.StringFixed(2), Currency: c.cfg.Currency},
		Capture:      true,
		Confirmation: confirmation{Type: "redirect", ReturnURL: c.cfg.ReturnURL},
		Description:  description,
		Metadata:     metadata,
	}
	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/payments", body, &resp); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return &gateway.Intent{ID: resp.ID, RedirectURL: resp.Confirmation.ConfirmationURL}, nil
}

func (c *Client) IntentStatus(ctx context.Context, intentID string) (gateway.Status, error) {
	if !c.Configured() {
		return "", gateway.ErrNotConfigured
	}
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(intentID), nil, &resp); err != nil {
		return "", fmt.Errorf("get payment %s: %w", intentID, err)
	}
	switch st := gateway.Status(resp.Status); st {
	case gateway.StatusPending, gateway.StatusWaitingForCapture, gateway.StatusSucceeded, gateway.StatusCanceled:
		return st, nil
	}
	return "", fmt.Errorf("get payment %s: unknown status %q", intentID, resp.Status)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Description != "" {
			return fmt.Errorf("yookassa returned %d: %s (%s)", resp.StatusCode, apiErr.Description, apiErr.Code)
		}
		return fmt.Errorf("yookassa returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type notification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID string `json:"id"`
	} `json:"object"`
}

// ParseNotification reads an HTTP notification body. Notifications are not
// signed, so callers must only use the ID as a hint to query the payment.
func (c *Client) ParseNotification(payload []byte) (paymentID string, ok bool, err error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return "", false, fmt.Errorf("decode notification: %w", err)
	}
	switch n.Event {
	case "payment.succeeded", "payment.canceled", "payment.waiting_for_capture":
	default:
		return "", false, nil
	}
	if n.Object.ID == "" {
		return "", false, fmt.Errorf("notification %s has no payment id", n.Event)
	}
	return n.Object.ID, true, nil
}
