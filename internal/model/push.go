package model

import "time"

// PushSubscription is a browser Web Push endpoint registered by an account.
type PushSubscription struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpiringSubscription is an active subscription with the owner and catalog
// details a reminder needs.
type ExpiringSubscription struct {
	SubscriptionID int64
	AccountID      int64
	SubjectID      int64
	DisplayName    string
	TariffName     string
	ServerName     string
	ServerLocation string
	EndDate        time.Time
}
