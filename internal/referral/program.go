// Package referral registers accounts under referral codes and grants the
// invitation rewards.
package referral

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/ledger"
	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/store"
)

const (
	codeLength   = 8
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeAttempts = 5
)

var ErrCodeExhausted = errors.New("could not generate a unique referral code")

// Program owns account registration and referral rewards.
type Program struct {
	db       *sql.DB
	retrier  *database.Retrier
	ledger   *ledger.Ledger
	accounts *store.AccountStore
	rewards  *store.ReferralStore
	logger   *slog.Logger
	newCode  func() (string, error)
}

func NewProgram(db *sql.DB, retrier *database.Retrier, led *ledger.Ledger, logger *slog.Logger) *Program {
	return &Program{
		db:       db,
		retrier:  retrier,
		ledger:   led,
		accounts: store.NewAccountStore(db),
		rewards:  store.NewReferralStore(db),
		logger:   logger.With("component", "referral"),
		newCode:  GenerateCode,
	}
}

// GenerateCode returns a random referral code.
func GenerateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// Grant is a reward credited by CheckReward.
type Grant struct {
	Condition   model.ReferralCondition
	Transaction model.Transaction
}

// Register returns the account for subjectID, creating it when missing.
// A valid referredBy code of another account bumps that account's invitation
// count and may earn it a reward. created reports whether a new account was
// made.
func (p *Program) Register(ctx context.Context, subjectID int64, displayName string, referredBy string) (account *model.Account, created bool, err error) {
	err = p.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		account, err = p.accounts.GetBySubjectID(ctx, subjectID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		return account, false, nil
	}

	var referrer *model.Account
	if referredBy != "" {
		err = p.retrier.Run(ctx, func(ctx context.Context) error {
			var err error
			referrer, err = p.accounts.GetByReferralCode(ctx, referredBy)
			return err
		})
		if err != nil {
			return nil, false, err
		}
		if referrer == nil {
			p.logger.Info("unknown referral code ignored", "subject_id", subjectID, "code", referredBy)
		}
	}

	for attempt := 1; ; attempt++ {
		code, err := p.newCode()
		if err != nil {
			return nil, false, err
		}
		account, err = p.create(ctx, subjectID, displayName, code, referrer)
		if err == nil {
			break
		}
		if !database.IsUniqueViolation(err) {
			return nil, false, err
		}
		// A concurrent registration of the same subject wins.
		var existing *model.Account
		gerr := p.retrier.Run(ctx, func(ctx context.Context) error {
			var err error
			existing, err = p.accounts.GetBySubjectID(ctx, subjectID)
			return err
		})
		if gerr == nil && existing != nil {
			return existing, false, nil
		}
		if attempt >= codeAttempts {
			return nil, false, ErrCodeExhausted
		}
	}

	p.logger.Info("account registered", "account_id", account.ID, "subject_id", subjectID, "referred", referrer != nil)

	if referrer != nil {
		if _, err := p.CheckReward(ctx, referrer.ID); err != nil {
			p.logger.Error("check referral reward", "account_id", referrer.ID, "error", err)
		}
	}
	return account, true, nil
}

func (p *Program) create(ctx context.Context, subjectID int64, displayName, code string, referrer *model.Account) (*model.Account, error) {
	var account *model.Account
	err := p.retrier.InTx(ctx, p.db, func(tx *sql.Tx) error {
		accounts := p.accounts.WithTx(tx)
		var referredBy *string
		if referrer != nil {
			referredBy = &referrer.ReferralCode
		}
		var err error
		account, err = accounts.Create(ctx, subjectID, displayName, code, referredBy)
		if err != nil {
			return err
		}
		if referrer != nil {
			if _, err := accounts.IncrementReferralCount(ctx, referrer.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return account, err
}

// CheckReward credits the highest condition the account meets and has not
// been rewarded for yet. At most one reward is granted per call; nil means
// nothing was due.
func (p *Program) CheckReward(ctx context.Context, accountID int64) (*Grant, error) {
	var grant *Grant
	err := p.retrier.InTx(ctx, p.db, func(tx *sql.Tx) error {
		grant = nil
		account, err := p.accounts.WithTx(tx).GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("check reward for account %d: not found", accountID)
		}

		rewards := p.rewards.WithTx(tx)
		conds, err := rewards.EligibleConditions(ctx, account.ReferralCount)
		if err != nil {
			return err
		}
		for _, cond := range conds {
			inserted, err := rewards.InsertReward(ctx, accountID, cond.ID, cond.Reward)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			txn, err := p.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
				AccountID:   accountID,
				Amount:      cond.Reward,
				Type:        model.TypeReferralReward,
				Description: fmt.Sprintf("Reward for inviting %d users", cond.InvitationsRequired),
			})
			if err != nil {
				return err
			}
			grant = &Grant{Condition: cond, Transaction: *txn}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if grant != nil {
		p.logger.Info("referral reward granted", "account_id", accountID,
			"condition", grant.Condition.Name, "amount", grant.Condition.Reward.StringFixed(2))
	}
	return grant, nil
}

// Rewards lists the rewards granted to accountID and their total.
func (p *Program) Rewards(ctx context.Context, accountID int64) ([]model.ReferralReward, decimal.Decimal, error) {
	var list []model.ReferralReward
	err := p.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		list, err = p.rewards.ListRewards(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range list {
		total = total.Add(r.Reward)
	}
	return list, total, nil
}
