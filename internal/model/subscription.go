package model

import "time"

type Subscription struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	TariffID    int64     `json:"tariff_id"`
	ServerID    int64     `json:"server_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	KeyMaterial string    `json:"key_material"`
	IsActive    bool      `json:"is_active"`
	PaymentID   *string   `json:"payment_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DaysLeft returns the whole days until EndDate, never negative.
func (s Subscription) DaysLeft(now time.Time) int {
	if !s.EndDate.After(now) {
		return 0
	}
	return int(s.EndDate.Sub(now).Hours() / 24)
}

// SubscriptionSummary is the status view of a subscription joined with its
// tariff and server.
type SubscriptionSummary struct {
	SubscriptionID int64     `json:"subscription_id"`
	TariffName     string    `json:"tariff_name"`
	DurationDays   int       `json:"duration_days"`
	ServerName     string    `json:"server_name"`
	ServerLocation string    `json:"server_location"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	KeyMaterial    string    `json:"key_material"`
	IsActive       bool      `json:"is_active"`
}
