package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type ReferralStore struct {
	db database.Querier
}

func NewReferralStore(db database.Querier) *ReferralStore {
	return &ReferralStore{db: db}
}

func (s *ReferralStore) WithTx(tx *sql.Tx) *ReferralStore {
	return &ReferralStore{db: tx}
}

// EligibleConditions returns enabled conditions met by invitations, highest
// threshold first.
func (s *ReferralStore) EligibleConditions(ctx context.Context, invitations int) ([]model.ReferralCondition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, invitations_required, reward_minor, enabled
		 FROM referral_conditions
		 WHERE enabled = 1 AND invitations_required <= ?
		 ORDER BY invitations_required DESC`,
		invitations,
	)
	if err != nil {
		return nil, fmt.Errorf("list referral conditions: %w", err)
	}
	defer rows.Close()

	var conds []model.ReferralCondition
	for rows.Next() {
		var c model.ReferralCondition
		var minor int64
		var enabled int
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.InvitationsRequired, &minor, &enabled); err != nil {
			return nil, fmt.Errorf("scan referral condition: %w", err)
		}
		c.Reward = model.FromMinor(minor)
		c.Enabled = enabled != 0
		conds = append(conds, c)
	}
	return conds, rows.Err()
}

func (s *ReferralStore) HasReward(ctx context.Context, accountID, conditionID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM referral_rewards WHERE account_id = ? AND condition_id = ?`,
		accountID, conditionID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check referral reward: %w", err)
	}
	return n > 0, nil
}

// InsertReward records a granted reward. It reports false if the reward was
// already granted.
func (s *ReferralStore) InsertReward(ctx context.Context, accountID, conditionID int64, reward decimal.Decimal) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO referral_rewards (account_id, condition_id, reward_minor) VALUES (?, ?, ?)
		 ON CONFLICT(account_id, condition_id) DO NOTHING`,
		accountID, conditionID, model.ToMinor(reward),
	)
	if err != nil {
		return false, fmt.Errorf("insert referral reward: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *ReferralStore) ListRewards(ctx context.Context, accountID int64) ([]model.ReferralReward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, condition_id, reward_minor, created_at FROM referral_rewards WHERE account_id = ? ORDER BY id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list referral rewards: %w", err)
	}
	defer rows.Close()

	var rewards []model.ReferralReward
	for rows.Next() {
		var r model.ReferralReward
		var minor int64
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ConditionID, &minor, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan referral reward: %w", err)
		}
		r.Reward = model.FromMinor(minor)
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}
