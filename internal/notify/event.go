// Package notify tells the operator and the user about completed purchases
// and renewals.
package notify

import (
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindPurchase Kind = "purchase"
	KindRenewal  Kind = "renewal"
	KindReplace  Kind = "replace"
	// KindExpiring reminds the owner that a subscription ends soon.
	KindExpiring Kind = "expiring"
)

type Method string

const (
	MethodBalance Method = "balance"
	MethodGateway Method = "gateway"
)

// Event describes one completed operation. KeyMaterial is only sent to the
// account owner and never serialized.
type Event struct {
	Kind           Kind            `json:"kind"`
	AccountID      int64           `json:"account_id"`
	SubjectID      int64           `json:"subject_id"`
	DisplayName    string          `json:"display_name"`
	SubscriptionID int64           `json:"subscription_id"`
	TariffName     string          `json:"tariff_name"`
	ServerName     string          `json:"server_name"`
	ServerLocation string          `json:"server_location"`
	Days           int             `json:"days"`
	Method         Method          `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	EndDate        time.Time       `json:"end_date"`
	DaysLeft       int             `json:"days_left"`
	PaymentID      string          `json:"payment_id,omitempty"`
	KeyMaterial    string          `json:"-"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
