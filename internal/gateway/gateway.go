// Package gateway defines the payment provider contract used by billing.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusWaitingForCapture Status = "waiting_for_capture"
	StatusSucceeded         Status = "succeeded"
	StatusCanceled          Status = "canceled"
)

// Settled reports whether the provider will not change the status again.
func (s Status) Settled() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

var ErrNotConfigured = errors.New("payment gateway not configured")

// Intent is a created provider-side payment awaiting the user.
type Intent struct {
	ID          string
	RedirectURL string
}

type Gateway interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, description string, metadata map[string]string) (*Intent, error)
	IntentStatus(ctx context.Context, intentID string) (Status, error)
}
