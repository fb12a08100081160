// Package ledger keeps per-account balances consistent with the append-only
// transaction history.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/store"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Delta is one signed balance change and the transaction that records it.
type Delta struct {
	AccountID   int64
	Amount      decimal.Decimal
	Type        model.TransactionType
	Description string
	PaymentID   *string
}

type Ledger struct {
	db           *sql.DB
	retrier      *database.Retrier
	balances     *store.BalanceStore
	transactions *store.TransactionStore
	logger       *slog.Logger
}

func New(db *sql.DB, retrier *database.Retrier, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:           db,
		retrier:      retrier,
		balances:     store.NewBalanceStore(db),
		transactions: store.NewTransactionStore(db),
		logger:       logger.With("component", "ledger"),
	}
}

// Balance returns the cached balance, zero if the account has none yet.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var b *model.LedgerBalance
	err := l.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		b, err = l.balances.Get(ctx, accountID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if b == nil {
		return decimal.Zero, nil
	}
	return b.Balance, nil
}

// SufficientFunds is a plain read; callers that spend must still go through
// Debit, which re-checks atomically.
func (l *Ledger) SufficientFunds(ctx context.Context, accountID int64, required decimal.Decimal) (bool, error) {
	bal, err := l.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(required), nil
}

// ApplyDelta changes the balance and appends a succeeded transaction as one
// store transaction.
func (l *Ledger) ApplyDelta(ctx context.Context, d Delta) (*model.Transaction, error) {
	var txn *model.Transaction
	err := l.retrier.InTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		txn, err = l.ApplyDeltaTx(ctx, tx, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ApplyDeltaTx is ApplyDelta inside a caller's transaction.
func (l *Ledger) ApplyDeltaTx(ctx context.Context, tx *sql.Tx, d Delta) (*model.Transaction, error) {
	if err := l.balances.WithTx(tx).Add(ctx, d.AccountID, model.ToMinor(d.Amount)); err != nil {
		return nil, err
	}
	txn, err := l.transactions.WithTx(tx).Insert(ctx, model.Transaction{
		AccountID:   d.AccountID,
		Amount:      d.Amount,
		Type:        d.Type,
		Description: d.Description,
		PaymentID:   d.PaymentID,
		Status:      model.StatusSucceeded,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("balance updated", "account_id", d.AccountID, "amount", d.Amount.StringFixed(2), "type", d.Type)
	return txn, nil
}

// Debit subtracts amount only if the balance covers it at write time.
func (l *Ledger) Debit(ctx context.Context, accountID int64, amount decimal.Decimal, typ model.TransactionType, description string) (*model.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	var txn *model.Transaction
	err := l.retrier.InTx(ctx, l.db, func(tx *sql.Tx) error {
		ok, err := l.balances.WithTx(tx).DebitIfSufficient(ctx, accountID, model.ToMinor(amount))
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientFunds
		}
		txn, err = l.transactions.WithTx(tx).Insert(ctx, model.Transaction{
			AccountID:   accountID,
			Amount:      amount.Neg(),
			Type:        typ,
			Description: description,
			Status:      model.StatusSucceeded,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("balance debited", "account_id", accountID, "amount", amount.StringFixed(2), "type", typ)
	return txn, nil
}

// SettleDepositTx credits a pending gateway deposit by flipping it to
// succeeded. It reports false when the deposit was no longer pending.
func (l *Ledger) SettleDepositTx(ctx context.Context, tx *sql.Tx, paymentID string) (*model.Transaction, bool, error) {
	transactions := l.transactions.WithTx(tx)
	txn, err := transactions.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if txn == nil {
		return nil, false, fmt.Errorf("settle deposit %s: transaction not found", paymentID)
	}
	ok, err := transactions.Transition(ctx, paymentID, model.StatusPending, model.StatusSucceeded)
	if err != nil || !ok {
		return txn, false, err
	}
	if err := l.balances.WithTx(tx).Add(ctx, txn.AccountID, model.ToMinor(txn.Amount)); err != nil {
		return nil, false, err
	}
	txn.Status = model.StatusSucceeded
	return txn, true, nil
}

// Recompute rebuilds the cached balance from succeeded transactions and
// returns it.
func (l *Ledger) Recompute(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var sum int64
	err := l.retrier.InTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		sum, err = l.transactions.WithTx(tx).SumSucceeded(ctx, accountID)
		if err != nil {
			return err
		}
		return l.balances.WithTx(tx).Set(ctx, accountID, sum)
	})
	if err != nil {
		return decimal.Zero, err
	}
	bal := model.FromMinor(sum)
	l.logger.Info("balance recomputed", "account_id", accountID, "balance", bal.StringFixed(2))
	return bal, nil
}

// History returns the account's most recent transactions.
func (l *Ledger) History(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	var txns []model.Transaction
	err := l.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		txns, err = l.transactions.ListByAccount(ctx, accountID, limit)
		return err
	})
	return txns, err
}
