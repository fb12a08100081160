package referral

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/ledger"
)

func setupReferralTest(t *testing.T) (*Program, *ledger.Ledger, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retrier := database.NewRetrier(3, time.Millisecond, logger)
	led := ledger.New(db, retrier, logger)
	return NewProgram(db, retrier, led, logger), led, db
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if len(code) != codeLength {
		t.Fatalf("len = %d, want %d", len(code), codeLength)
	}
	for _, r := range code {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			t.Errorf("unexpected rune %q in %q", r, code)
		}
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	p, _, _ := setupReferralTest(t)
	ctx := context.Background()

	a, created, err := p.Register(ctx, 100, "alice", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !created {
		t.Error("created = false on first registration")
	}
	b, created, err := p.Register(ctx, 100, "alice", "")
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if created {
		t.Error("created = true on second registration")
	}
	if a.ID != b.ID {
		t.Errorf("ids = %d, %d, want equal", a.ID, b.ID)
	}
}

func TestRegisterRetriesCodeCollision(t *testing.T) {
	p, _, _ := setupReferralTest(t)
	ctx := context.Background()

	codes := []string{"SAMECODE", "SAMECODE", "OTHER001"}
	p.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	if _, _, err := p.Register(ctx, 1, "a", ""); err != nil {
		t.Fatalf("Register 1: %v", err)
	}
	b, _, err := p.Register(ctx, 2, "b", "")
	if err != nil {
		t.Fatalf("Register 2: %v", err)
	}
	if b.ReferralCode != "OTHER001" {
		t.Errorf("code = %q, want OTHER001", b.ReferralCode)
	}
}

func TestReferralRewardGrantedOnce(t *testing.T) {
	p, led, _ := setupReferralTest(t)
	ctx := context.Background()

	referrer, _, err := p.Register(ctx, 1, "host", "")
	if err != nil {
		t.Fatalf("Register referrer: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if _, _, err := p.Register(ctx, 10+i, "guest", referrer.ReferralCode); err != nil {
			t.Fatalf("Register guest %d: %v", i, err)
		}
	}

	bal, err := led.Balance(ctx, referrer.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("50")) {
		t.Errorf("balance = %s, want 50", bal)
	}

	grant, err := p.CheckReward(ctx, referrer.ID)
	if err != nil {
		t.Fatalf("CheckReward: %v", err)
	}
	if grant != nil {
		t.Errorf("second grant = %+v, want nil", grant)
	}

	rewards, total, err := p.Rewards(ctx, referrer.ID)
	if err != nil {
		t.Fatalf("Rewards: %v", err)
	}
	if len(rewards) != 1 || !total.Equal(decimal.RequireFromString("50")) {
		t.Errorf("rewards = %d total %s, want 1 total 50", len(rewards), total)
	}
}

func TestCheckRewardPicksHighestUnclaimed(t *testing.T) {
	p, led, db := setupReferralTest(t)
	ctx := context.Background()

	acct, _, err := p.Register(ctx, 1, "host", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := db.Exec(`UPDATE accounts SET referral_count = 12 WHERE id = ?`, acct.ID); err != nil {
		t.Fatalf("set count: %v", err)
	}

	first, err := p.CheckReward(ctx, acct.ID)
	if err != nil {
		t.Fatalf("CheckReward: %v", err)
	}
	if first == nil || first.Condition.InvitationsRequired != 10 {
		t.Fatalf("first grant = %+v, want the 10-invite condition", first)
	}
	second, err := p.CheckReward(ctx, acct.ID)
	if err != nil {
		t.Fatalf("CheckReward: %v", err)
	}
	if second == nil || second.Condition.InvitationsRequired != 5 {
		t.Fatalf("second grant = %+v, want the 5-invite condition", second)
	}
	third, err := p.CheckReward(ctx, acct.ID)
	if err != nil {
		t.Fatalf("CheckReward: %v", err)
	}
	if third != nil {
		t.Errorf("third grant = %+v, want nil", third)
	}

	bal, err := led.Balance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("200")) {
		t.Errorf("balance = %s, want 200", bal)
	}
}

func TestUnknownReferralCodeIgnored(t *testing.T) {
	p, _, _ := setupReferralTest(t)

	a, created, err := p.Register(context.Background(), 5, "solo", "NOPE0000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !created || a.ReferredBy != nil {
		t.Errorf("created = %v referred_by = %v, want true and nil", created, a.ReferredBy)
	}
}
