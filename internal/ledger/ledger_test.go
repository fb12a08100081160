package ledger

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/store"
)

func setupLedgerTestDB(t *testing.T) (*Ledger, *sql.DB, int64) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := store.NewAccountStore(db).Create(context.Background(), 42, "alice", "A42", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return New(db, database.NewRetrier(3, time.Millisecond, logger), logger), db, a.ID
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBalanceZeroWithoutRow(t *testing.T) {
	l, _, acct := setupLedgerTestDB(t)

	bal, err := l.Balance(context.Background(), acct)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("balance = %s, want 0", bal)
	}
}

// Balance 200, deposit 100, purchase 150 -> 150 with two new transactions.
func TestDepositThenPurchase(t *testing.T) {
	l, db, acct := setupLedgerTestDB(t)
	ctx := context.Background()

	if _, err := l.ApplyDelta(ctx, Delta{AccountID: acct, Amount: dec("200"), Type: model.TypeDeposit}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := l.ApplyDelta(ctx, Delta{AccountID: acct, Amount: dec("100"), Type: model.TypeDeposit, Description: "Top up"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.Debit(ctx, acct, dec("150"), model.TypeDebit, "Purchase of Month"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	bal, _ := l.Balance(ctx, acct)
	if !bal.Equal(dec("150")) {
		t.Errorf("balance = %s, want 150", bal)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE account_id = ? AND status = 'succeeded'`, acct).Scan(&n)
	if n != 3 {
		t.Errorf("succeeded transactions = %d, want 3", n)
	}
}

// Balance 50, tariff 149: rejected and nothing recorded.
func TestDebitInsufficientFunds(t *testing.T) {
	l, db, acct := setupLedgerTestDB(t)
	ctx := context.Background()

	l.ApplyDelta(ctx, Delta{AccountID: acct, Amount: dec("50"), Type: model.TypeDeposit})

	ok, err := l.SufficientFunds(ctx, acct, dec("149"))
	if err != nil {
		t.Fatalf("sufficient funds: %v", err)
	}
	if ok {
		t.Error("SufficientFunds = true, want false")
	}

	_, err = l.Debit(ctx, acct, dec("149"), model.TypeDebit, "Purchase")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	bal, _ := l.Balance(ctx, acct)
	if !bal.Equal(dec("50")) {
		t.Errorf("balance = %s, want 50", bal)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE type = 'debit'`).Scan(&n)
	if n != 0 {
		t.Errorf("debit transactions = %d, want 0", n)
	}
}

func TestDebitRejectsNonPositive(t *testing.T) {
	l, _, acct := setupLedgerTestDB(t)

	if _, err := l.Debit(context.Background(), acct, decimal.Zero, model.TypeDebit, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _, acct := setupLedgerTestDB(t)
	ctx := context.Background()

	l.ApplyDelta(ctx, Delta{AccountID: acct, Amount: dec("300"), Type: model.TypeDeposit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, acct, dec("149"), model.TypeDebit, "Purchase"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 2 {
		t.Errorf("succeeded debits = %d, want 2", succeeded)
	}
	bal, _ := l.Balance(ctx, acct)
	if !bal.Equal(dec("2")) {
		t.Errorf("balance = %s, want 2", bal)
	}
}

func TestSettleDepositOnlyOnce(t *testing.T) {
	l, db, acct := setupLedgerTestDB(t)
	ctx := context.Background()
	pid := "pay-1"

	store.NewTransactionStore(db).Insert(ctx, model.Transaction{AccountID: acct, Amount: dec("149"),
		Type: model.TypeDeposit, PaymentID: &pid, Status: model.StatusPending})

	settle := func() bool {
		var settled bool
		tx, _ := db.Begin()
		defer tx.Rollback()
		_, ok, err := l.SettleDepositTx(ctx, tx, pid)
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
		settled = ok
		tx.Commit()
		return settled
	}

	if !settle() {
		t.Fatal("first settle should apply")
	}
	if settle() {
		t.Error("second settle should be a no-op")
	}
	bal, _ := l.Balance(ctx, acct)
	if !bal.Equal(dec("149")) {
		t.Errorf("balance = %s, want 149", bal)
	}
}

func TestRecomputeMatchesHistory(t *testing.T) {
	l, db, acct := setupLedgerTestDB(t)
	ctx := context.Background()

	l.ApplyDelta(ctx, Delta{AccountID: acct, Amount: dec("100.10"), Type: model.TypeDeposit})
	l.ApplyDelta(ctx, Delta{AccountID: acct, Amount: dec("-40.05"), Type: model.TypeDebit})

	// Corrupt the cache directly.
	db.Exec(`UPDATE balances SET balance_minor = 1 WHERE account_id = ?`, acct)

	bal, err := l.Recompute(ctx, acct)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !bal.Equal(dec("60.05")) {
		t.Errorf("recomputed = %s, want 60.05", bal)
	}
	cached, _ := l.Balance(ctx, acct)
	if !cached.Equal(bal) {
		t.Errorf("cached = %s, want %s", cached, bal)
	}

	history, err := l.History(ctx, acct, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d, want 2", len(history))
	}
}
