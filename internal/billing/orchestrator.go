package billing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/provision"
	"github.com/dukerupert/vpnshop/internal/store"
)

// Provisioned is a subscription together with the catalog rows it was built
// from.
type Provisioned struct {
	Subscription model.Subscription
	Tariff       model.Tariff
	Server       model.Server
	Days         int
	// Reused is set when an earlier attempt already provisioned this payment
	// and no external call was made.
	Reused bool
}

// Orchestrator turns paid orders into keys and subscription rows.
type Orchestrator struct {
	db            *sql.DB
	retrier       *database.Retrier
	keys          provision.Service
	subscriptions *store.SubscriptionStore
	servers       *store.ServerStore
	logger        *slog.Logger
	now           func() time.Time
}

func NewOrchestrator(db *sql.DB, retrier *database.Retrier, keys provision.Service, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		db:            db,
		retrier:       retrier,
		keys:          keys,
		subscriptions: store.NewSubscriptionStore(db),
		servers:       store.NewServerStore(db),
		logger:        logger.With("component", "orchestrator"),
		now:           time.Now,
	}
}

// NewEndDate extends from the later of the current end and now, so a renewal
// never shortens a subscription and never back-dates an expired one.
func NewEndDate(end, now time.Time, days int) time.Time {
	base := end
	if now.After(end) {
		base = now
	}
	return base.AddDate(0, 0, days)
}

// PreparePurchase issues a key for tariff and returns the insert to commit.
// When paymentID already has a subscription nothing is issued.
func (o *Orchestrator) PreparePurchase(ctx context.Context, account model.Account, tariff model.Tariff, paymentID *string) (*Provisioned, Commit, error) {
	server, err := o.server(ctx, tariff.ServerID, true)
	if err != nil {
		return nil, nil, err
	}

	if paymentID != nil {
		var existing *model.Subscription
		err := o.retrier.Run(ctx, func(ctx context.Context) error {
			var err error
			existing, err = o.subscriptions.GetByPaymentID(ctx, *paymentID)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			o.logger.Info("payment already provisioned", "payment_id", *paymentID, "subscription_id", existing.ID)
			return &Provisioned{Subscription: *existing, Tariff: tariff, Server: *server, Days: tariff.DurationDays, Reused: true}, nil, nil
		}
	}

	now := o.now().UTC()
	key, err := o.keys.IssueKey(ctx, *server, tariff.DurationDays, account.SubjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: issue key on %s: %w", ErrProvisioningFailed, server.Name, err)
	}

	p := &Provisioned{
		Subscription: model.Subscription{
			AccountID:   account.ID,
			TariffID:    tariff.ID,
			ServerID:    server.ID,
			StartDate:   now,
			EndDate:     now.AddDate(0, 0, tariff.DurationDays),
			KeyMaterial: key,
			IsActive:    true,
			PaymentID:   paymentID,
		},
		Tariff: tariff,
		Server: *server,
		Days:   tariff.DurationDays,
	}
	commit := func(ctx context.Context, tx *sql.Tx) error {
		sub, err := o.subscriptions.WithTx(tx).Create(ctx, p.Subscription)
		if err != nil {
			return err
		}
		p.Subscription = *sub
		return nil
	}
	return p, commit, nil
}

// Purchase provisions and stores a new subscription.
func (o *Orchestrator) Purchase(ctx context.Context, account model.Account, tariff model.Tariff, paymentID *string) (*Provisioned, error) {
	p, commit, err := o.PreparePurchase(ctx, account, tariff, paymentID)
	if err != nil {
		return nil, err
	}
	if err := o.apply(ctx, commit); err != nil {
		o.logger.Error("store subscription after key was issued",
			"account_id", account.ID, "server", p.Server.Name, "error", err)
		return nil, err
	}
	o.logger.Info("subscription created", "subscription_id", p.Subscription.ID, "account_id", account.ID, "days", p.Days)
	return p, nil
}

// PrepareRenew extends the key of sub by the tariff duration and returns the
// update to commit. When sub already carries paymentID nothing is extended.
func (o *Orchestrator) PrepareRenew(ctx context.Context, sub model.Subscription, tariff model.Tariff, paymentID *string) (*Provisioned, Commit, error) {
	server, err := o.server(ctx, sub.ServerID, false)
	if err != nil {
		return nil, nil, err
	}

	if paymentID != nil && sub.PaymentID != nil && *sub.PaymentID == *paymentID {
		o.logger.Info("renewal already applied", "payment_id", *paymentID, "subscription_id", sub.ID)
		return &Provisioned{Subscription: sub, Tariff: tariff, Server: *server, Days: tariff.DurationDays, Reused: true}, nil, nil
	}

	newEnd := NewEndDate(sub.EndDate, o.now().UTC(), tariff.DurationDays)
	if err := o.keys.ExtendKey(ctx, *server, sub.KeyMaterial, newEnd); err != nil {
		return nil, nil, fmt.Errorf("%w: extend key on %s: %w", ErrProvisioningFailed, server.Name, err)
	}

	renewed := sub
	renewed.EndDate = newEnd
	renewed.IsActive = true
	if paymentID != nil {
		renewed.PaymentID = paymentID
	}
	p := &Provisioned{Subscription: renewed, Tariff: tariff, Server: *server, Days: tariff.DurationDays}
	commit := func(ctx context.Context, tx *sql.Tx) error {
		return o.subscriptions.WithTx(tx).Extend(ctx, sub.ID, newEnd, paymentID)
	}
	return p, commit, nil
}

// Renew extends sub and stores the new end date.
func (o *Orchestrator) Renew(ctx context.Context, sub model.Subscription, tariff model.Tariff, paymentID *string) (*Provisioned, error) {
	p, commit, err := o.PrepareRenew(ctx, sub, tariff, paymentID)
	if err != nil {
		return nil, err
	}
	if err := o.apply(ctx, commit); err != nil {
		o.logger.Error("store renewal after key was extended", "subscription_id", sub.ID, "error", err)
		return nil, err
	}
	o.logger.Info("subscription renewed", "subscription_id", sub.ID,
		"end_date", p.Subscription.EndDate.Format(time.RFC3339))
	return p, nil
}

// Replace moves an active subscription to another server. The new key is
// sized to the remaining whole days, at least one.
func (o *Orchestrator) Replace(ctx context.Context, account model.Account, oldID, newServerID int64) (*Provisioned, error) {
	var old *model.Subscription
	err := o.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		old, err = o.subscriptions.GetByID(ctx, oldID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if old == nil || old.AccountID != account.ID || !old.IsActive {
		return nil, ErrSubscriptionNotFound
	}

	server, err := o.server(ctx, newServerID, true)
	if err != nil {
		return nil, err
	}
	oldServer, err := o.server(ctx, old.ServerID, false)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	days := old.DaysLeft(now)
	if days < 1 {
		days = 1
	}
	key, err := o.keys.IssueKey(ctx, *server, days, account.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: issue key on %s: %w", ErrProvisioningFailed, server.Name, err)
	}

	p := &Provisioned{
		Subscription: model.Subscription{
			AccountID:   account.ID,
			TariffID:    old.TariffID,
			ServerID:    server.ID,
			StartDate:   now,
			EndDate:     old.EndDate,
			KeyMaterial: key,
			IsActive:    true,
			PaymentID:   old.PaymentID,
		},
		Server: *server,
		Days:   days,
	}
	err = o.retrier.InTx(ctx, o.db, func(tx *sql.Tx) error {
		subs := o.subscriptions.WithTx(tx)
		if err := subs.Deactivate(ctx, old.ID); err != nil {
			return err
		}
		sub, err := subs.Create(ctx, p.Subscription)
		if err != nil {
			return err
		}
		p.Subscription = *sub
		return nil
	})
	if err != nil {
		o.logger.Error("store replacement after key was issued", "subscription_id", old.ID, "error", err)
		if rerr := o.keys.RevokeKey(ctx, *server, key); rerr != nil {
			o.logger.Warn("revoke unused replacement key", "server", server.Name, "error", rerr)
		}
		return nil, err
	}

	if err := o.keys.RevokeKey(ctx, *oldServer, old.KeyMaterial); err != nil {
		o.logger.Warn("revoke replaced key", "subscription_id", old.ID, "server", oldServer.Name, "error", err)
	}

	o.logger.Info("subscription replaced", "old_subscription_id", old.ID, "subscription_id", p.Subscription.ID,
		"server", server.Name, "days", days)
	return p, nil
}

func (o *Orchestrator) apply(ctx context.Context, commit Commit) error {
	if commit == nil {
		return nil
	}
	return o.retrier.InTx(ctx, o.db, func(tx *sql.Tx) error {
		return commit(ctx, tx)
	})
}

func (o *Orchestrator) server(ctx context.Context, id int64, requireEnabled bool) (*model.Server, error) {
	var srv *model.Server
	err := o.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		srv, err = o.servers.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if srv == nil || (requireEnabled && !srv.Enabled) {
		return nil, fmt.Errorf("server %d: %w", id, ErrServerNotFound)
	}
	return srv, nil
}
