package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReferralCondition struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	InvitationsRequired int             `json:"invitations_required"`
	Reward              decimal.Decimal `json:"reward"`
	Enabled             bool            `json:"enabled"`
}

type ReferralReward struct {
	ID          int64           `json:"id"`
	AccountID   int64           `json:"account_id"`
	ConditionID int64           `json:"condition_id"`
	Reward      decimal.Decimal `json:"reward"`
	CreatedAt   time.Time       `json:"created_at"`
}
