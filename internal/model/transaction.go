package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeDeposit        TransactionType = "deposit"
	TypeDebit          TransactionType = "debit"
	TypeRefund         TransactionType = "refund"
	TypeReferralReward TransactionType = "referral_reward"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSucceeded TransactionStatus = "succeeded"
	StatusFailed    TransactionStatus = "failed"
)

// ParseTransactionStatus rejects anything outside the closed set of statuses.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(s); st {
	case StatusPending, StatusSucceeded, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is legal. Only pending may move,
// and only to succeeded or failed.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == StatusPending && next.Terminal()
}

type Transaction struct {
	ID          int64             `json:"id"`
	AccountID   int64             `json:"account_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Type        TransactionType   `json:"type"`
	Description string            `json:"description"`
	PaymentID   *string           `json:"payment_id"`
	Status      TransactionStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

type LedgerBalance struct {
	AccountID  int64           `json:"account_id"`
	Balance    decimal.Decimal `json:"balance"`
	LastUpdate time.Time       `json:"last_update"`
}

type PaymentPurpose string

const (
	PurposePurchase PaymentPurpose = "purchase"
	PurposeRenewal  PaymentPurpose = "renewal"
)

// PaymentOrder records what a pending gateway payment is for, so it can be
// reconciled from any process.
type PaymentOrder struct {
	PaymentID      string         `json:"payment_id"`
	Purpose        PaymentPurpose `json:"purpose"`
	TariffID       int64          `json:"tariff_id"`
	SubscriptionID *int64         `json:"subscription_id"`
	CreatedAt      time.Time      `json:"created_at"`
}
