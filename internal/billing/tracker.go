package billing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/gateway"
	"github.com/dukerupert/vpnshop/internal/ledger"
	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/store"
)

// finalizeTimeout bounds provisioning and finalizing once the gateway has
// reported a payment as paid. Those steps do not stop when the caller goes
// away, so an issued key is always recorded.
const finalizeTimeout = 2 * time.Minute

// Commit holds the store writes of a provisioning step. It runs inside the
// transaction that finalizes the payment.
type Commit func(ctx context.Context, tx *sql.Tx) error

// Provisioner performs the external provisioning call for a paid
// transaction and returns the writes to commit. A nil Commit is allowed when
// there is nothing left to write.
type Provisioner func(ctx context.Context, txn model.Transaction) (Commit, error)

// Watcher starts background reconciliation of a payment.
type Watcher interface {
	Watch(paymentID string)
}

type GatewayPayment struct {
	PaymentID   string          `json:"payment_id"`
	RedirectURL string          `json:"redirect_url"`
	Amount      decimal.Decimal `json:"amount"`
}

// Tracker owns the lifecycle of gateway payments from creation to a terminal
// status.
type Tracker struct {
	db            *sql.DB
	retrier       *database.Retrier
	ledger        *ledger.Ledger
	gateway       gateway.Gateway
	transactions  *store.TransactionStore
	orders        *store.PaymentOrderStore
	subscriptions *store.SubscriptionStore
	watcher       Watcher
	group         singleflight.Group
	logger        *slog.Logger
}

func NewTracker(db *sql.DB, retrier *database.Retrier, led *ledger.Ledger, gw gateway.Gateway, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:            db,
		retrier:       retrier,
		ledger:        led,
		gateway:       gw,
		transactions:  store.NewTransactionStore(db),
		orders:        store.NewPaymentOrderStore(db),
		subscriptions: store.NewSubscriptionStore(db),
		logger:        logger.With("component", "tracker"),
	}
}

// SetWatcher registers the poller that follows new payments. It must be
// called before the tracker is shared between goroutines.
func (t *Tracker) SetWatcher(w Watcher) {
	t.watcher = w
}

// CreateGatewayPayment opens a provider payment and records it as a pending
// deposit together with its order.
func (t *Tracker) CreateGatewayPayment(ctx context.Context, accountID int64, amount decimal.Decimal, description string, order model.PaymentOrder) (*GatewayPayment, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	metadata := map[string]string{
		"account_id": strconv.FormatInt(accountID, 10),
		"purpose":    string(order.Purpose),
		"tariff_id":  strconv.FormatInt(order.TariffID, 10),
	}
	intent, err := t.gateway.CreateIntent(ctx, amount, description, metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	order.PaymentID = intent.ID
	err = t.retrier.InTx(ctx, t.db, func(tx *sql.Tx) error {
		_, err := t.transactions.WithTx(tx).Insert(ctx, model.Transaction{
			AccountID:   accountID,
			Amount:      amount,
			Type:        model.TypeDeposit,
			Description: description,
			PaymentID:   &intent.ID,
			Status:      model.StatusPending,
		})
		if err != nil {
			return err
		}
		return t.orders.WithTx(tx).Create(ctx, order)
	})
	if err != nil {
		t.logger.Error("record gateway payment", "payment_id", intent.ID, "account_id", accountID, "error", err)
		return nil, err
	}

	t.logger.Info("gateway payment created",
		"payment_id", intent.ID, "account_id", accountID, "amount", amount.StringFixed(2), "purpose", order.Purpose)

	if t.watcher != nil {
		t.watcher.Watch(intent.ID)
	}
	return &GatewayPayment{PaymentID: intent.ID, RedirectURL: intent.RedirectURL, Amount: amount}, nil
}

// ConfirmPayment is the single gate that finalizes a gateway payment. It is
// safe to call any number of times, concurrently, from any caller.
func (t *Tracker) ConfirmPayment(ctx context.Context, paymentID string, provision Provisioner) (Outcome, error) {
	ran := false
	v, err, _ := t.group.Do(paymentID, func() (any, error) {
		ran = true
		return t.confirm(ctx, paymentID, provision)
	})
	outcome := v.(Outcome)
	if !ran {
		t.logger.Debug("confirm collapsed into in-flight call", "payment_id", paymentID)
		if outcome == OutcomeConfirmed {
			outcome = OutcomeAlreadyProcessed
		}
	}
	return outcome, err
}

func (t *Tracker) confirm(ctx context.Context, paymentID string, provision Provisioner) (Outcome, error) {
	var txn *model.Transaction
	err := t.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		txn, err = t.transactions.GetByPaymentID(ctx, paymentID)
		return err
	})
	if err != nil {
		return OutcomeNotYet, err
	}
	if txn == nil {
		return OutcomeNotYet, fmt.Errorf("confirm %s: %w", paymentID, ErrPaymentNotFound)
	}

	switch txn.Status {
	case model.StatusSucceeded:
		return OutcomeAlreadyProcessed, nil
	case model.StatusFailed:
		return OutcomeFailed, nil
	}

	status, err := t.gateway.IntentStatus(ctx, paymentID)
	if err != nil {
		return OutcomeNotYet, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	switch status {
	case gateway.StatusSucceeded:
	case gateway.StatusCanceled:
		if err := t.MarkFailed(ctx, paymentID); err != nil {
			return OutcomeNotYet, err
		}
		t.logger.Info("payment canceled by gateway", "payment_id", paymentID)
		return OutcomeCanceled, nil
	default:
		return OutcomeNotYet, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	commit, err := provision(ctx, *txn)
	if err != nil {
		t.logger.Error("provisioning failed, payment stays pending", "payment_id", paymentID, "error", err)
		return OutcomeNotYet, fmt.Errorf("confirm %s: %w", paymentID, err)
	}

	finalized := false
	err = t.retrier.InTx(ctx, t.db, func(tx *sql.Tx) error {
		deposit, ok, err := t.ledger.SettleDepositTx(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if !ok {
			finalized = false
			return nil
		}
		if commit != nil {
			if err := commit(ctx, tx); err != nil {
				return err
			}
		}
		// The deposit is spent on the order right away so the balance nets
		// to zero.
		_, err = t.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
			AccountID:   deposit.AccountID,
			Amount:      deposit.Amount.Neg(),
			Type:        model.TypeDebit,
			Description: deposit.Description,
		})
		if err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		t.logger.Error("finalize payment", "payment_id", paymentID, "error", err)
		return OutcomeNotYet, err
	}
	if !finalized {
		t.logger.Info("payment finalized concurrently", "payment_id", paymentID)
		return OutcomeAlreadyProcessed, nil
	}

	t.logger.Info("payment confirmed", "payment_id", paymentID, "account_id", txn.AccountID, "amount", txn.Amount.StringFixed(2))
	return OutcomeConfirmed, nil
}

// DebitForPurchase pays from the account balance.
func (t *Tracker) DebitForPurchase(ctx context.Context, accountID int64, amount decimal.Decimal, description string) (*model.Transaction, error) {
	ok, err := t.ledger.SufficientFunds(ctx, accountID, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientFunds
	}
	return t.ledger.Debit(ctx, accountID, amount, model.TypeDebit, description)
}

// MarkFailed moves a pending payment to failed. Finished payments are left
// as they are.
func (t *Tracker) MarkFailed(ctx context.Context, paymentID string) error {
	var ok bool
	err := t.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		ok, err = t.transactions.Transition(ctx, paymentID, model.StatusPending, model.StatusFailed)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark payment %s failed: %w", paymentID, err)
	}
	if ok {
		t.logger.Info("payment marked failed", "payment_id", paymentID)
	}
	return nil
}

// Transaction returns the transaction recorded for paymentID, or nil.
func (t *Tracker) Transaction(ctx context.Context, paymentID string) (*model.Transaction, error) {
	var txn *model.Transaction
	err := t.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		txn, err = t.transactions.GetByPaymentID(ctx, paymentID)
		return err
	})
	return txn, err
}

// TransactionStatus returns nil when the payment is unknown.
func (t *Tracker) TransactionStatus(ctx context.Context, paymentID string) (*model.TransactionStatus, error) {
	txn, err := t.Transaction(ctx, paymentID)
	if err != nil || txn == nil {
		return nil, err
	}
	return &txn.Status, nil
}

func (t *Tracker) SubscriptionByPaymentID(ctx context.Context, paymentID string) (*model.SubscriptionSummary, error) {
	var sum *model.SubscriptionSummary
	err := t.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		sum, err = t.subscriptions.SummaryByPaymentID(ctx, paymentID)
		return err
	})
	return sum, err
}

// PendingSince lists pending payments created at or after since.
func (t *Tracker) PendingSince(ctx context.Context, since time.Time) ([]model.Transaction, error) {
	var pending []model.Transaction
	err := t.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		pending, err = t.transactions.ListPending(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	recent := pending[:0]
	for _, txn := range pending {
		if !txn.CreatedAt.Before(since) {
			recent = append(recent, txn)
		}
	}
	return recent, nil
}

// PendingBefore lists pending payments created before cutoff.
func (t *Tracker) PendingBefore(ctx context.Context, cutoff time.Time) ([]model.Transaction, error) {
	var pending []model.Transaction
	err := t.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		pending, err = t.transactions.ListPending(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	stale := pending[:0]
	for _, txn := range pending {
		if txn.CreatedAt.Before(cutoff) {
			stale = append(stale, txn)
		}
	}
	return stale, nil
}
