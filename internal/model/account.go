package model

import "time"

type Account struct {
	ID            int64     `json:"id"`
	SubjectID     int64     `json:"subject_id"`
	DisplayName   string    `json:"display_name"`
	ReferralCode  string    `json:"referral_code"`
	ReferredBy    *string   `json:"referred_by"`
	ReferralCount int       `json:"referral_count"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
