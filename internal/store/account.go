package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type AccountStore struct {
	db database.Querier
}

func NewAccountStore(db database.Querier) *AccountStore {
	return &AccountStore{db: db}
}

// WithTx returns a copy of the store bound to tx.
func (s *AccountStore) WithTx(tx *sql.Tx) *AccountStore {
	return &AccountStore{db: tx}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var enabled int
	err := scanner.Scan(&a.ID, &a.SubjectID, &a.DisplayName, &a.ReferralCode, &a.ReferredBy,
		&a.ReferralCount, &enabled, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	return &a, nil
}

const accountCols = `id, subject_id, display_name, referral_code, referred_by, referral_count, enabled, created_at, updated_at`

func (s *AccountStore) Create(ctx context.Context, subjectID int64, displayName, referralCode string, referredBy *string) (*model.Account, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (subject_id, display_name, referral_code, referred_by) VALUES (?, ?, ?, ?)`,
		subjectID, displayName, referralCode, referredBy,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetBySubjectID(ctx context.Context, subjectID int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE subject_id = ?`, subjectID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by subject: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE referral_code = ?`, code)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by referral code: %w", err)
	}
	return a, nil
}

// IncrementReferralCount bumps the counter and returns the new value.
func (s *AccountStore) IncrementReferralCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE accounts SET referral_count = referral_count + 1, updated_at = ? WHERE id = ? RETURNING referral_count`,
		time.Now().UTC(), id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("increment referral count: account %d not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment referral count: %w", err)
	}
	return count, nil
}

func (s *AccountStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	var e int
	if enabled {
		e = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?`,
		e, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set account enabled: %w", err)
	}
	return nil
}

func (s *AccountStore) UpdateDisplayName(ctx context.Context, id int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET display_name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}
