package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/notify"
)

type sender interface {
	Send(ctx context.Context, sub model.PushSubscription, payload Payload) error
}

// Endpoints is the storage the publisher needs.
type Endpoints interface {
	ListByAccount(ctx context.Context, accountID int64) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Publisher sends events to every browser the account owner registered. It
// never includes key material.
type Publisher struct {
	sender    sender
	endpoints Endpoints
	logger    *slog.Logger
}

func NewPublisher(s *Sender, endpoints Endpoints, logger *slog.Logger) *Publisher {
	return &Publisher{sender: s, endpoints: endpoints, logger: logger.With("component", "push")}
}

func (p *Publisher) Publish(ctx context.Context, ev notify.Event) error {
	subs, err := p.endpoints.ListByAccount(ctx, ev.AccountID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	payload := PayloadFor(ev)
	var errs error
	for _, sub := range subs {
		err := p.sender.Send(ctx, sub, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrExpired):
			p.logger.Info("push endpoint expired, removing", "account_id", ev.AccountID, "subscription_id", sub.ID)
			errs = multierr.Append(errs, p.endpoints.DeleteByEndpoint(ctx, sub.Endpoint))
		default:
			errs = multierr.Append(errs, fmt.Errorf("push %d: %w", sub.ID, err))
		}
	}
	return errs
}

// PayloadFor renders the notification shown for ev.
func PayloadFor(ev notify.Event) Payload {
	p := Payload{
		URL: "/subscriptions",
		Tag: fmt.Sprintf("subscription-%d", ev.SubscriptionID),
	}
	until := ev.EndDate.Format("02.01.2006")
	switch ev.Kind {
	case notify.KindRenewal:
		p.Title = "Subscription renewed"
		p.Body = fmt.Sprintf("%s on %s is valid until %s", ev.TariffName, ev.ServerName, until)
	case notify.KindReplace:
		p.Title = "Key moved"
		p.Body = fmt.Sprintf("Your key now runs on %s", ev.ServerName)
	case notify.KindExpiring:
		p.Title = "Subscription ends soon"
		p.Body = fmt.Sprintf("%s on %s ends %s (%d days left)", ev.TariffName, ev.ServerName, until, ev.DaysLeft)
		p.Tag = fmt.Sprintf("expiring-%d", ev.SubscriptionID)
	default:
		p.Title = "Subscription active"
		p.Body = fmt.Sprintf("%s on %s is valid until %s", ev.TariffName, ev.ServerName, until)
	}
	return p
}
