// Package reconcile polls open gateway payments until they reach a terminal
// state or their window runs out.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/vpnshop/internal/billing"
	"github.com/dukerupert/vpnshop/internal/model"
)

const (
	DefaultInterval = 20 * time.Second
	DefaultWindow   = 11 * time.Minute
)

// Reconciler confirms and expires payments.
type Reconciler interface {
	Reconcile(ctx context.Context, paymentID string) (billing.Outcome, error)
	Expire(ctx context.Context, paymentID string) error
}

// PendingLister finds payments left open by a previous process.
type PendingLister interface {
	PendingSince(ctx context.Context, since time.Time) ([]model.Transaction, error)
	PendingBefore(ctx context.Context, cutoff time.Time) ([]model.Transaction, error)
}

type Config struct {
	Interval time.Duration
	Window   time.Duration
}

// Supervisor runs one polling task per payment id.
type Supervisor struct {
	mu      sync.Mutex
	rec     Reconciler
	cfg     Config
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   map[string]struct{}
	wg      sync.WaitGroup
	stopped bool
}

func NewSupervisor(rec Reconciler, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		rec:    rec,
		cfg:    cfg,
		logger: logger.With("component", "reconcile"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]struct{}),
	}
}

// MaxPolls is the number of polls that fit in window.
func MaxPolls(interval, window time.Duration) int {
	if interval <= 0 {
		return 1
	}
	if window <= 0 {
		return 1
	}
	n := int(window / interval)
	if window%interval != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Watch starts polling paymentID. It is a no-op if a task for paymentID is
// already running or the supervisor is stopped.
func (s *Supervisor) Watch(paymentID string) {
	s.watchUntil(paymentID, time.Now().Add(s.cfg.Window))
}

func (s *Supervisor) watchUntil(paymentID string, deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.tasks[paymentID]; ok {
		return false
	}
	s.tasks[paymentID] = struct{}{}
	s.wg.Add(1)
	go s.run(paymentID, deadline)
	return true
}

// Watching reports whether a task for paymentID is running.
func (s *Supervisor) Watching(paymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[paymentID]
	return ok
}

// Active returns the number of running tasks.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Supervisor) run(paymentID string, deadline time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.tasks, paymentID)
		s.mu.Unlock()
	}()

	ctx := s.ctx
	maxPolls := MaxPolls(s.cfg.Interval, time.Until(deadline))
	log := s.logger.With("payment_id", paymentID)
	log.Debug("watching payment", "max_polls", maxPolls, "deadline", deadline.Format(time.RFC3339))

	for polls := 1; ; polls++ {
		outcome, err := s.rec.Reconcile(ctx, paymentID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, billing.ErrPaymentNotFound):
			log.Warn("payment disappeared, stop watching")
			return
		case err != nil:
			log.Warn("poll failed", "poll", polls, "error", err)
		case outcome.Terminal():
			log.Info("payment settled", "outcome", outcome.String(), "polls", polls)
			return
		}

		// The window is wall-clock time: the last sleep is cut short at the
		// deadline and expiry follows without another poll.
		remaining := time.Until(deadline)
		if remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(min(s.cfg.Interval, remaining)):
			}
			if time.Now().Before(deadline) {
				continue
			}
		}

		if err := s.rec.Expire(ctx, paymentID); err != nil {
			log.Error("expire payment", "error", err)
			return
		}
		log.Info("payment window expired", "polls", polls)
		return
	}
}

// Resume restarts tracking for payments a previous process left pending.
// Payments older than the window get one last confirmation attempt and are
// expired only when the gateway still has not settled them; a failed attempt
// leaves them pending for a manual check. It returns how many tasks were
// started and how many payments were expired.
func (s *Supervisor) Resume(ctx context.Context, lister PendingLister) (resumed, expired int, err error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Window)
	settled := 0

	stale, err := lister.PendingBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	for _, txn := range stale {
		if txn.PaymentID == nil {
			continue
		}
		id := *txn.PaymentID
		outcome, err := s.rec.Reconcile(ctx, id)
		switch {
		case err != nil:
			s.logger.Warn("stale payment left pending", "payment_id", id, "error", err)
			continue
		case outcome.Terminal():
			settled++
			s.logger.Info("stale payment settled", "payment_id", id, "outcome", outcome.String())
			continue
		}
		if err := s.rec.Expire(ctx, id); err != nil {
			s.logger.Error("expire stale payment", "payment_id", id, "error", err)
			continue
		}
		expired++
	}

	recent, err := lister.PendingSince(ctx, cutoff)
	if err != nil {
		return 0, expired, err
	}
	for _, txn := range recent {
		if txn.PaymentID == nil {
			continue
		}
		if s.watchUntil(*txn.PaymentID, txn.CreatedAt.Add(s.cfg.Window)) {
			resumed++
		}
	}

	s.logger.Info("resumed pending payments", "resumed", resumed, "expired", expired, "settled", settled)
	return resumed, expired, nil
}

// Stop cancels every task and waits for them to exit. Payments are left as
// they are.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
