package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

var (
	ErrDuplicatePayment  = errors.New("payment id already recorded")
	ErrIllegalTransition = errors.New("illegal transaction status transition")
)

type TransactionStore struct {
	db database.Querier
}

func NewTransactionStore(db database.Querier) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) WithTx(tx *sql.Tx) *TransactionStore {
	return &TransactionStore{db: tx}
}

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.Transaction, error) {
	var t model.Transaction
	var minor int64
	var status string
	err := scanner.Scan(&t.ID, &t.AccountID, &minor, &t.Type, &t.Description, &t.PaymentID, &status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Amount = model.FromMinor(minor)
	if t.Status, err = model.ParseTransactionStatus(status); err != nil {
		return nil, err
	}
	return &t, nil
}

const transactionCols = `id, account_id, amount_minor, type, description, payment_id, status, created_at`

// Insert appends a transaction. A payment id that is already recorded returns
// ErrDuplicatePayment and leaves the existing row untouched.
func (s *TransactionStore) Insert(ctx context.Context, t model.Transaction) (*model.Transaction, error) {
	if _, err := model.ParseTransactionStatus(string(t.Status)); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (account_id, amount_minor, type, description, payment_id, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.AccountID, model.ToMinor(t.Amount), t.Type, t.Description, t.PaymentID, t.Status,
	)
	if err != nil {
		if t.PaymentID != nil && database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("insert transaction %s: %w", *t.PaymentID, ErrDuplicatePayment)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *TransactionStore) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *TransactionStore) GetByPaymentID(ctx context.Context, paymentID string) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE payment_id = ?`, paymentID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by payment: %w", err)
	}
	return t, nil
}

// Transition moves the transaction for paymentID from one status to another.
// It reports false when the row was not in the from status, which means a
// concurrent writer finished it first.
func (s *TransactionStore) Transition(ctx context.Context, paymentID string, from, to model.TransactionStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE payment_id = ? AND status = ?`,
		to, paymentID, from,
	)
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListByAccount returns the most recent transactions first.
func (s *TransactionStore) ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListPending returns every pending transaction that carries a payment id.
func (s *TransactionStore) ListPending(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE status = 'pending' AND payment_id IS NOT NULL ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// SumSucceeded returns the sum of succeeded amounts in minor units.
func (s *TransactionStore) SumSucceeded(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0) FROM transactions WHERE account_id = ? AND status = 'succeeded'`,
		accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func collectTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	var txns []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}
