package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Relay delivers a formatted text message to a chat.
type Relay interface {
	Send(ctx context.Context, chatID, text string) error
}

// Publisher fans out structured events, e.g. to a message bus or live
// connections.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher delivers events in the background. Delivery failures are logged
// and never reach the caller.
type Dispatcher struct {
	relay        Relay
	operatorChat string
	publishers   []Publisher
	timeout      time.Duration
	logger       *slog.Logger
	wg           sync.WaitGroup
}

type Option func(*Dispatcher)

func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publishers = append(d.publishers, p) }
}

func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// NewDispatcher creates a dispatcher. relay may be nil, in which case only
// publishers receive events.
func NewDispatcher(relay Relay, operatorChat string, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		relay:        relay,
		operatorChat: operatorChat,
		timeout:      15 * time.Second,
		logger:       logger.With("component", "notify"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify schedules delivery and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.deliver(ctx, ev); err != nil {
			d.logger.Error("notification delivery failed",
				"kind", ev.Kind, "account_id", ev.AccountID, "error", err)
			return
		}
		d.logger.Debug("notification delivered", "kind", ev.Kind, "account_id", ev.AccountID)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) error {
	var errs error
	if d.relay != nil {
		if d.operatorChat != "" && ev.Kind != KindExpiring {
			if err := d.relay.Send(ctx, d.operatorChat, OperatorMessage(ev)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("operator message: %w", err))
			}
		}
		if ev.SubjectID != 0 {
			if err := d.relay.Send(ctx, strconv.FormatInt(ev.SubjectID, 10), UserMessage(ev)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("user message: %w", err))
			}
		}
	}
	for _, p := range d.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %T: %w", p, err))
		}
	}
	return errs
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
