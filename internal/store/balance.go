package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type BalanceStore struct {
	db database.Querier
}

func NewBalanceStore(db database.Querier) *BalanceStore {
	return &BalanceStore{db: db}
}

func (s *BalanceStore) WithTx(tx *sql.Tx) *BalanceStore {
	return &BalanceStore{db: tx}
}

// Get returns the cached balance row, or nil if the account has never had a
// balance mutation.
func (s *BalanceStore) Get(ctx context.Context, accountID int64) (*model.LedgerBalance, error) {
	var b model.LedgerBalance
	var minor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, balance_minor, last_update FROM balances WHERE account_id = ?`, accountID,
	).Scan(&b.AccountID, &minor, &b.LastUpdate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	b.Balance = model.FromMinor(minor)
	return &b, nil
}

// Add applies a signed delta, creating the row on first use.
func (s *BalanceStore) Add(ctx context.Context, accountID, deltaMinor int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO balances (account_id, balance_minor, last_update) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		     balance_minor = balance_minor + excluded.balance_minor,
		     last_update = excluded.last_update`,
		accountID, deltaMinor, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

// DebitIfSufficient subtracts amountMinor only if the balance covers it. It
// reports false when nothing was debited.
func (s *BalanceStore) DebitIfSufficient(ctx context.Context, accountID, amountMinor int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE balances SET balance_minor = balance_minor - ?, last_update = ?
		 WHERE account_id = ? AND balance_minor >= ?`,
		amountMinor, time.Now().UTC(), accountID, amountMinor,
	)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Set overwrites the cached balance.
func (s *BalanceStore) Set(ctx context.Context, accountID, balanceMinor int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO balances (account_id, balance_minor, last_update) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		     balance_minor = excluded.balance_minor,
		     last_update = excluded.last_update`,
		accountID, balanceMinor, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}
