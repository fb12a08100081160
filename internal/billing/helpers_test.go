package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/gateway"
	"github.com/dukerupert/vpnshop/internal/ledger"
	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/notify"
	"github.com/dukerupert/vpnshop/internal/store"
)

type fakeGateway struct {
	mu        sync.Mutex
	statuses  map[string]gateway.Status
	next      int
	fixedID   string
	statusErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]gateway.Status)}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, amount decimal.Decimal, description string, metadata map[string]string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.fixedID
	if id == "" {
		g.next++
		id = fmt.Sprintf("pay-%d", g.next)
	}
	g.statuses[id] = gateway.StatusPending
	return &gateway.Intent{ID: id, RedirectURL: "https://pay.example/" + id}, nil
}

func (g *fakeGateway) IntentStatus(ctx context.Context, id string) (gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return "", g.statusErr
	}
	st, ok := g.statuses[id]
	if !ok {
		return "", errors.New("no such payment")
	}
	return st, nil
}

func (g *fakeGateway) set(id string, st gateway.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = st
}

type fakeKeys struct {
	mu        sync.Mutex
	issued    int
	issueDays []int
	extended  []time.Time
	revoked   []string
	issueErr  error
	extendErr error
	delay     time.Duration
	// afterIssue runs once a key has been issued.
	afterIssue func()
}

func (k *fakeKeys) IssueKey(ctx context.Context, server model.Server, durationDays int, subjectID int64) (string, error) {
	if k.delay > 0 {
		time.Sleep(k.delay)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.issueErr != nil {
		return "", k.issueErr
	}
	k.issued++
	k.issueDays = append(k.issueDays, durationDays)
	if k.afterIssue != nil {
		k.afterIssue()
	}
	return fmt.Sprintf("vless://%s@%s:443#tg_%d", uuid.NewString(), server.Host, subjectID), nil
}

func (k *fakeKeys) ExtendKey(ctx context.Context, server model.Server, keyMaterial string, newExpiry time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.extendErr != nil {
		return k.extendErr
	}
	k.extended = append(k.extended, newExpiry)
	return nil
}

func (k *fakeKeys) RevokeKey(ctx context.Context, server model.Server, keyMaterial string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked = append(k.revoked, keyMaterial)
	return nil
}

func (k *fakeKeys) issuedCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.issued
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Notify(ctx context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
}

func (w *fakeWatcher) Watch(paymentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, paymentID)
}

type billingEnv struct {
	db       *sql.DB
	svc      *Service
	tracker  *Tracker
	orch     *Orchestrator
	ledger   *ledger.Ledger
	gateway  *fakeGateway
	keys     *fakeKeys
	notifier *fakeNotifier
	watcher  *fakeWatcher
	account  *model.Account
	server   *model.Server
	tariff   *model.Tariff
	now      time.Time
}

func setupBillingTest(t *testing.T) *billingEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retrier := database.NewRetrier(3, time.Millisecond, logger)

	account, err := store.NewAccountStore(db).Create(ctx, 1001, "alice", "ALICE1", nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	server, err := store.NewServerStore(db).Create(ctx, model.Server{
		Name: "Amsterdam", Location: "NL", PanelURL: "http://panel.local", Username: "admin",
		Password: "secret", InboundID: 1, Host: "nl.example.com", Port: 443, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	tariff, err := store.NewTariffStore(db).Create(ctx, "Month", "", decimal.RequireFromString("149"), 30, server.ID)
	if err != nil {
		t.Fatalf("create tariff: %v", err)
	}

	env := &billingEnv{
		db:       db,
		gateway:  newFakeGateway(),
		keys:     &fakeKeys{},
		notifier: &fakeNotifier{},
		watcher:  &fakeWatcher{},
		account:  account,
		server:   server,
		tariff:   tariff,
		now:      time.Now().UTC().Truncate(time.Second),
	}
	env.ledger = ledger.New(db, retrier, logger)
	env.tracker = NewTracker(db, retrier, env.ledger, env.gateway, logger)
	env.tracker.SetWatcher(env.watcher)
	env.orch = NewOrchestrator(db, retrier, env.keys, logger)
	env.orch.now = func() time.Time { return env.now }
	env.svc = NewService(db, retrier, env.tracker, env.orch, env.ledger, env.notifier, logger)
	env.svc.now = func() time.Time { return env.now }
	return env
}

func (e *billingEnv) fund(t *testing.T, amount string) {
	t.Helper()
	_, err := e.ledger.ApplyDelta(context.Background(), ledger.Delta{
		AccountID: e.account.ID, Amount: decimal.RequireFromString(amount), Type: model.TypeDeposit,
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (e *billingEnv) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	bal, err := e.ledger.Balance(context.Background(), e.account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (e *billingEnv) status(t *testing.T, paymentID string) model.TransactionStatus {
	t.Helper()
	st, err := e.tracker.TransactionStatus(context.Background(), paymentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st == nil {
		t.Fatalf("no transaction for %s", paymentID)
	}
	return *st
}

func (e *billingEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := e.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// checkBalanceInvariant asserts the cached balance equals the sum of
// succeeded transactions.
func (e *billingEnv) checkBalanceInvariant(t *testing.T) {
	t.Helper()
	sum, err := store.NewTransactionStore(e.db).SumSucceeded(context.Background(), e.account.ID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if bal := e.balance(t); !bal.Equal(model.FromMinor(sum)) {
		t.Errorf("balance = %s, sum of succeeded = %s", bal, model.FromMinor(sum))
	}
}
