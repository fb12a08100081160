package billing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/ledger"
	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/notify"
	"github.com/dukerupert/vpnshop/internal/store"
)

// Notifier receives completed purchases and renewals.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Service runs the purchase, renewal and replacement flows.
type Service struct {
	tracker       *Tracker
	orch          *Orchestrator
	ledger        *ledger.Ledger
	retrier       *database.Retrier
	accounts      *store.AccountStore
	tariffs       *store.TariffStore
	subscriptions *store.SubscriptionStore
	orders        *store.PaymentOrderStore
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(db *sql.DB, retrier *database.Retrier, tracker *Tracker, orch *Orchestrator, led *ledger.Ledger, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		tracker:       tracker,
		orch:          orch,
		ledger:        led,
		retrier:       retrier,
		accounts:      store.NewAccountStore(db),
		tariffs:       store.NewTariffStore(db),
		subscriptions: store.NewSubscriptionStore(db),
		orders:        store.NewPaymentOrderStore(db),
		notifier:      notifier,
		logger:        logger.With("component", "billing"),
		now:           time.Now,
	}
}

// PurchaseWithBalance pays for tariffID from the balance and provisions a new
// subscription. The debit is refunded if provisioning fails.
func (s *Service) PurchaseWithBalance(ctx context.Context, accountID, tariffID int64) (*Provisioned, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	tariff, err := s.tariff(ctx, tariffID, true)
	if err != nil {
		return nil, err
	}

	desc := "Purchase of " + tariff.Name
	if _, err := s.tracker.DebitForPurchase(ctx, account.ID, tariff.Price, desc); err != nil {
		return nil, err
	}

	p, err := s.orch.Purchase(ctx, *account, *tariff, nil)
	if err != nil {
		s.refund(ctx, account.ID, tariff.Price, "Refund: "+desc)
		return nil, err
	}

	s.notify(ctx, notify.KindPurchase, notify.MethodBalance, account, p, tariff.Price, "")
	return p, nil
}

// PurchaseWithGateway opens a gateway payment for tariffID. Provisioning
// happens once the payment is confirmed.
func (s *Service) PurchaseWithGateway(ctx context.Context, accountID, tariffID int64) (*GatewayPayment, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	tariff, err := s.tariff(ctx, tariffID, true)
	if err != nil {
		return nil, err
	}
	return s.tracker.CreateGatewayPayment(ctx, account.ID, tariff.Price, "Purchase of "+tariff.Name, model.PaymentOrder{
		Purpose:  model.PurposePurchase,
		TariffID: tariff.ID,
	})
}

// RenewWithBalance pays for tariffID from the balance and extends
// subscriptionID. The debit is refunded if the extension fails.
func (s *Service) RenewWithBalance(ctx context.Context, accountID, subscriptionID, tariffID int64) (*Provisioned, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sub, err := s.ownedSubscription(ctx, account.ID, subscriptionID)
	if err != nil {
		return nil, err
	}
	tariff, err := s.tariff(ctx, tariffID, true)
	if err != nil {
		return nil, err
	}

	desc := "Renewal of " + tariff.Name
	if _, err := s.tracker.DebitForPurchase(ctx, account.ID, tariff.Price, desc); err != nil {
		return nil, err
	}

	p, err := s.orch.Renew(ctx, *sub, *tariff, nil)
	if err != nil {
		s.refund(ctx, account.ID, tariff.Price, "Refund: "+desc)
		return nil, err
	}

	s.notify(ctx, notify.KindRenewal, notify.MethodBalance, account, p, tariff.Price, "")
	return p, nil
}

// RenewWithGateway opens a gateway payment that extends subscriptionID once
// confirmed.
func (s *Service) RenewWithGateway(ctx context.Context, accountID, subscriptionID, tariffID int64) (*GatewayPayment, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sub, err := s.ownedSubscription(ctx, account.ID, subscriptionID)
	if err != nil {
		return nil, err
	}
	tariff, err := s.tariff(ctx, tariffID, true)
	if err != nil {
		return nil, err
	}
	return s.tracker.CreateGatewayPayment(ctx, account.ID, tariff.Price, "Renewal of "+tariff.Name, model.PaymentOrder{
		Purpose:        model.PurposeRenewal,
		TariffID:       tariff.ID,
		SubscriptionID: &sub.ID,
	})
}

// CheckPayment is the manual "I paid" check. It only confirms payments that
// belong to accountID.
func (s *Service) CheckPayment(ctx context.Context, accountID int64, paymentID string) (Outcome, error) {
	txn, err := s.tracker.Transaction(ctx, paymentID)
	if err != nil {
		return OutcomeNotYet, err
	}
	if txn == nil || txn.AccountID != accountID {
		return OutcomeNotYet, ErrPaymentNotFound
	}
	return s.Reconcile(ctx, paymentID)
}

// Reconcile confirms paymentID and, on success, provisions what its order
// asked for.
func (s *Service) Reconcile(ctx context.Context, paymentID string) (Outcome, error) {
	var order *model.PaymentOrder
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetByPaymentID(ctx, paymentID)
		return err
	})
	if err != nil {
		return OutcomeNotYet, err
	}
	if order == nil {
		return OutcomeNotYet, fmt.Errorf("order for %s: %w", paymentID, ErrPaymentNotFound)
	}

	var (
		result  *Provisioned
		account *model.Account
		amount  decimal.Decimal
	)
	provision := func(ctx context.Context, txn model.Transaction) (Commit, error) {
		var err error
		account, err = s.account(ctx, txn.AccountID)
		if err != nil {
			return nil, err
		}
		// A tariff disabled after payment is still honored.
		tariff, err := s.tariff(ctx, order.TariffID, false)
		if err != nil {
			return nil, err
		}
		amount = txn.Amount

		var commit Commit
		switch order.Purpose {
		case model.PurposeRenewal:
			if order.SubscriptionID == nil {
				return nil, ErrSubscriptionNotFound
			}
			sub, err := s.ownedSubscription(ctx, account.ID, *order.SubscriptionID)
			if err != nil {
				return nil, err
			}
			result, commit, err = s.orch.PrepareRenew(ctx, *sub, *tariff, &paymentID)
			return commit, err
		default:
			result, commit, err = s.orch.PreparePurchase(ctx, *account, *tariff, &paymentID)
			return commit, err
		}
	}

	outcome, err := s.tracker.ConfirmPayment(ctx, paymentID, provision)
	if err != nil {
		return outcome, err
	}
	if outcome == OutcomeConfirmed && result != nil {
		kind := notify.KindPurchase
		if order.Purpose == model.PurposeRenewal {
			kind = notify.KindRenewal
		}
		s.notify(ctx, kind, notify.MethodGateway, account, result, amount, paymentID)
	}
	return outcome, nil
}

// Expire marks a payment that was never paid as failed.
func (s *Service) Expire(ctx context.Context, paymentID string) error {
	return s.tracker.MarkFailed(ctx, paymentID)
}

// ReplaceKey moves subscriptionID to serverID.
func (s *Service) ReplaceKey(ctx context.Context, accountID, subscriptionID, serverID int64) (*Provisioned, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	p, err := s.orch.Replace(ctx, *account, subscriptionID, serverID)
	if err != nil {
		return nil, err
	}
	if tariff, err := s.tariff(ctx, p.Subscription.TariffID, false); err == nil {
		p.Tariff = *tariff
	}
	s.notify(ctx, notify.KindReplace, "", account, p, decimal.Zero, "")
	return p, nil
}

type PaymentState string

const (
	PaymentProcessed PaymentState = "processed"
	PaymentTracking  PaymentState = "tracking"
	PaymentFailed    PaymentState = "failed"
	PaymentNotFound  PaymentState = "not_found"
)

// PaymentView is what the status surface reports for one payment.
type PaymentView struct {
	PaymentID    string                     `json:"payment_id"`
	State        PaymentState               `json:"state"`
	Status       *model.TransactionStatus   `json:"status,omitempty"`
	Amount       *decimal.Decimal           `json:"amount,omitempty"`
	Subscription *model.SubscriptionSummary `json:"subscription,omitempty"`
}

// PaymentStatus reads the stored state of paymentID without contacting the
// gateway.
func (s *Service) PaymentStatus(ctx context.Context, accountID int64, paymentID string) (*PaymentView, error) {
	view := &PaymentView{PaymentID: paymentID, State: PaymentNotFound}
	txn, err := s.tracker.Transaction(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if txn == nil || txn.AccountID != accountID {
		return view, nil
	}
	view.Status = &txn.Status
	view.Amount = &txn.Amount

	switch txn.Status {
	case model.StatusPending:
		view.State = PaymentTracking
	case model.StatusFailed:
		view.State = PaymentFailed
	case model.StatusSucceeded:
		view.State = PaymentProcessed
		sum, err := s.tracker.SubscriptionByPaymentID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		view.Subscription = sum
	}
	return view, nil
}

type RenewalPreview struct {
	SubscriptionID int64           `json:"subscription_id"`
	TariffName     string          `json:"tariff_name"`
	Price          decimal.Decimal `json:"price"`
	CurrentEnd     time.Time       `json:"current_end"`
	NewEnd         time.Time       `json:"new_end"`
	TotalDays      int             `json:"total_days"`
}

// PreviewRenewal computes what renewing sub with tariff would produce.
func PreviewRenewal(sub model.Subscription, tariff model.Tariff, now time.Time) RenewalPreview {
	newEnd := NewEndDate(sub.EndDate, now, tariff.DurationDays)
	return RenewalPreview{
		SubscriptionID: sub.ID,
		TariffName:     tariff.Name,
		Price:          tariff.Price,
		CurrentEnd:     sub.EndDate,
		NewEnd:         newEnd,
		TotalDays:      int(newEnd.Sub(now).Hours() / 24),
	}
}

// RenewalPreview has no side effects.
func (s *Service) RenewalPreview(ctx context.Context, accountID, subscriptionID, tariffID int64) (*RenewalPreview, error) {
	sub, err := s.ownedSubscription(ctx, accountID, subscriptionID)
	if err != nil {
		return nil, err
	}
	tariff, err := s.tariff(ctx, tariffID, true)
	if err != nil {
		return nil, err
	}
	p := PreviewRenewal(*sub, *tariff, s.now().UTC())
	return &p, nil
}

func (s *Service) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return s.ledger.Balance(ctx, accountID)
}

func (s *Service) Subscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		subs, err = s.subscriptions.ListActiveByAccount(ctx, accountID)
		return err
	})
	return subs, err
}

func (s *Service) refund(ctx context.Context, accountID int64, amount decimal.Decimal, description string) {
	if _, err := s.ledger.ApplyDelta(ctx, ledger.Delta{
		AccountID:   accountID,
		Amount:      amount,
		Type:        model.TypeRefund,
		Description: description,
	}); err != nil {
		s.logger.Error("refund failed", "account_id", accountID, "amount", amount.StringFixed(2), "error", err)
		return
	}
	s.logger.Info("debit refunded", "account_id", accountID, "amount", amount.StringFixed(2))
}

func (s *Service) notify(ctx context.Context, kind notify.Kind, method notify.Method, account *model.Account, p *Provisioned, amount decimal.Decimal, paymentID string) {
	if s.notifier == nil || account == nil || p == nil {
		return
	}
	now := s.now().UTC()
	s.notifier.Notify(ctx, notify.Event{
		Kind:           kind,
		AccountID:      account.ID,
		SubjectID:      account.SubjectID,
		DisplayName:    account.DisplayName,
		SubscriptionID: p.Subscription.ID,
		TariffName:     p.Tariff.Name,
		ServerName:     p.Server.Name,
		ServerLocation: p.Server.Location,
		Days:           p.Days,
		Method:         method,
		Amount:         amount,
		EndDate:        p.Subscription.EndDate,
		DaysLeft:       p.Subscription.DaysLeft(now),
		PaymentID:      paymentID,
		KeyMaterial:    p.Subscription.KeyMaterial,
		OccurredAt:     now,
	})
}

func (s *Service) account(ctx context.Context, id int64) (*model.Account, error) {
	var a *model.Account
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.accounts.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a == nil || !a.Enabled {
		return nil, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	return a, nil
}

func (s *Service) tariff(ctx context.Context, id int64, requireEnabled bool) (*model.Tariff, error) {
	var t *model.Tariff
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.tariffs.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if t == nil || (requireEnabled && !t.Enabled) {
		return nil, fmt.Errorf("tariff %d: %w", id, ErrTariffNotFound)
	}
	return t, nil
}

func (s *Service) ownedSubscription(ctx context.Context, accountID, id int64) (*model.Subscription, error) {
	var sub *model.Subscription
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		sub, err = s.subscriptions.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.AccountID != accountID {
		return nil, fmt.Errorf("subscription %d: %w", id, ErrSubscriptionNotFound)
	}
	return sub, nil
}
