package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/dukerupert/vpnshop/internal/auth"
	"github.com/dukerupert/vpnshop/internal/backup"
	"github.com/dukerupert/vpnshop/internal/billing"
	"github.com/dukerupert/vpnshop/internal/config"
	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/gateway"
	"github.com/dukerupert/vpnshop/internal/gateway/stripe"
	"github.com/dukerupert/vpnshop/internal/gateway/yookassa"
	"github.com/dukerupert/vpnshop/internal/handler"
	"github.com/dukerupert/vpnshop/internal/ledger"
	"github.com/dukerupert/vpnshop/internal/logging"
	"github.com/dukerupert/vpnshop/internal/notify"
	"github.com/dukerupert/vpnshop/internal/provision/xui"
	"github.com/dukerupert/vpnshop/internal/push"
	"github.com/dukerupert/vpnshop/internal/reconcile"
	"github.com/dukerupert/vpnshop/internal/referral"
	"github.com/dukerupert/vpnshop/internal/store"
	ws "github.com/dukerupert/vpnshop/internal/websocket"
)

type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *sql.DB
	ledger     *ledger.Ledger
	tracker    *billing.Tracker
	service    *billing.Service
	referral   *referral.Program
	supervisor *reconcile.Supervisor
	dispatcher *notify.Dispatcher
	kafka      *notify.KafkaPublisher
	hub        *ws.Hub
	signer     *auth.Signer
	backups    *backup.Manager
	reminders  *push.Scheduler
	gateways   gatewaySet
}

// gatewaySet is the configured provider and the webhook source it exposes.
type gatewaySet struct {
	gateway  gateway.Gateway
	stripe   handler.StripeWebhooks
	yookassa handler.YooKassaNotifications
}

func newGateway(cfg config.GatewayConfig) gatewaySet {
	if cfg.Provider == "stripe" {
		c := stripe.NewClient(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			Currency:      cfg.Currency,
			SuccessURL:    cfg.ReturnURL,
			CancelURL:     cfg.StripeCancelURL,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		return gatewaySet{gateway: c, stripe: c}
	}
	c := yookassa.New(yookassa.Config{
		ShopID:    cfg.YooKassaShopID,
		SecretKey: cfg.YooKassaSecretKey,
		ReturnURL: cfg.ReturnURL,
		Currency:  cfg.Currency,
	})
	return gatewaySet{gateway: c, yookassa: c}
}

func wireApp(cfg *config.Config) (*app, error) {
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	db, err := database.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	retrier := database.NewRetrier(cfg.DB.RetryAttempts, cfg.DB.RetryBase, logger)
	led := ledger.New(db, retrier, logger)
	gateways := newGateway(cfg.Gateway)
	tracker := billing.NewTracker(db, retrier, led, gateways.gateway, logger)
	keys := xui.NewClient(xui.Config{Timeout: cfg.XUI.Timeout}, logger)
	orch := billing.NewOrchestrator(db, retrier, keys, logger)
	hub := ws.NewHub(logger)

	opts := []notify.Option{notify.WithPublisher(hub)}
	var kafka *notify.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		opts = append(opts, notify.WithPublisher(kafka))
	}
	pushCfg := push.Config{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber:      cfg.Push.Subscriber,
	}
	if pushCfg.Configured() {
		opts = append(opts, notify.WithPublisher(push.NewPublisher(push.NewSender(pushCfg), store.NewPushStore(db), logger)))
	}
	var relay notify.Relay
	if tg := notify.NewTelegramRelay(cfg.Telegram.BotToken); tg.Configured() {
		relay = tg
	} else {
		logger.Warn("telegram bot token not set, chat notifications disabled")
	}
	dispatcher := notify.NewDispatcher(relay, cfg.Telegram.AdminChat, logger, opts...)

	svc := billing.NewService(db, retrier, tracker, orch, led, dispatcher, logger)
	supervisor := reconcile.NewSupervisor(svc, reconcile.Config{
		Interval: cfg.Poll.Interval,
		Window:   cfg.Poll.Window,
	}, logger)
	tracker.SetWatcher(supervisor)

	return &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		ledger:     led,
		tracker:    tracker,
		service:    svc,
		referral:   referral.NewProgram(db, retrier, led, logger),
		supervisor: supervisor,
		dispatcher: dispatcher,
		kafka:      kafka,
		hub:        hub,
		signer:     auth.NewSigner(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL),
		backups:    backup.NewManager(backupConfig(cfg.Backup), db, logger),
		gateways:   gateways,
		reminders:  push.NewScheduler(store.NewReminderStore(db), dispatcher, cfg.Reminder.Lead, cfg.Reminder.Interval, logger),
	}, nil
}

func backupConfig(cfg config.BackupConfig) backup.Config {
	return backup.Config{
		Endpoint:   cfg.Endpoint,
		Bucket:     cfg.Bucket,
		Region:     cfg.Region,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Prefix:     cfg.Prefix,
		Passphrase: cfg.Passphrase,
		Interval:   cfg.Interval,
		Retention:  cfg.Retention,
	}
}

// Close stops background work, then flushes notifications and closes
// connections.
func (a *app) Close() error {
	a.supervisor.Stop()
	a.backups.Stop()
	a.reminders.Stop()
	a.dispatcher.Close()
	var errs error
	if a.kafka != nil {
		errs = multierr.Append(errs, a.kafka.Close())
	}
	return multierr.Append(errs, a.db.Close())
}
