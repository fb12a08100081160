package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/vpnshop/internal/model"
	"github.com/dukerupert/vpnshop/internal/notify"
)

// Reminders is the storage the scheduler needs.
type Reminders interface {
	ListActive(ctx context.Context) ([]model.ExpiringSubscription, error)
	Claim(ctx context.Context, subscriptionID int64, end time.Time) (bool, error)
}

// Notifier hands events to delivery. notify.Dispatcher satisfies it.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Scheduler periodically reminds owners of subscriptions that end within the
// lead time. Each subscription end date is reminded once.
type Scheduler struct {
	reminders Reminders
	notifier  Notifier
	lead      time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(reminders Reminders, notifier Notifier, lead, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		reminders: reminders,
		notifier:  notifier,
		lead:      lead,
		interval:  interval,
		logger:    logger.With("component", "reminders"),
		now:       time.Now,
	}
}

// Start runs Tick once and then every interval. A zero lead time disables
// reminders.
func (s *Scheduler) Start(ctx context.Context) {
	if s.lead <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("expiry reminders", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick sends the reminders that are due and returns how many were sent.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	horizon := now.Add(s.lead)

	active, err := s.reminders.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range active {
		if !e.EndDate.After(now) || e.EndDate.After(horizon) {
			continue
		}
		claimed, err := s.reminders.Claim(ctx, e.SubscriptionID, e.EndDate)
		if err != nil {
			return sent, err
		}
		if !claimed {
			continue
		}

		s.notifier.Notify(ctx, notify.Event{
			Kind:           notify.KindExpiring,
			AccountID:      e.AccountID,
			SubjectID:      e.SubjectID,
			DisplayName:    e.DisplayName,
			SubscriptionID: e.SubscriptionID,
			TariffName:     e.TariffName,
			ServerName:     e.ServerName,
			ServerLocation: e.ServerLocation,
			EndDate:        e.EndDate,
			DaysLeft:       model.Subscription{EndDate: e.EndDate}.DaysLeft(now),
			OccurredAt:     now,
		})
		sent++
	}
	if sent > 0 {
		s.logger.Info("expiry reminders sent", "count", sent)
	}
	return sent, nil
}
