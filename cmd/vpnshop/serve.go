package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/server"
)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the payment poller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				return errors.New("http.jwt_secret is required (VPNSHOP_HTTP_JWT_SECRET)")
			}
			lock, err := database.AcquireLock(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer lock.Release()

			a, err := wireApp(cfg)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	logger := a.logger
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close app", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, _, err := a.supervisor.Resume(ctx, a.tracker); err != nil {
		logger.Error("resume pending payments", "error", err)
	}

	a.backups.Start(ctx)
	a.reminders.Start(ctx)

	srv := server.New(a.db, a.service, a.referral, a.hub, a.signer, server.Config{
		CORSOrigins:    a.cfg.HTTP.CORSOrigins,
		RateLimit:      a.cfg.HTTP.RateLimit,
		VAPIDPublicKey: a.cfg.Push.VAPIDPublicKey,

		StripeWebhooks:        a.gateways.stripe,
		YooKassaNotifications: a.gateways.yookassa,
	}, logger)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go srv.RateLimiter().RunCleanup(cleanupCtx, 10*time.Minute)

	httpServer := &http.Server{
		Addr:              ":" + a.cfg.HTTP.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vpnshop starting", "addr", httpServer.Addr, "gateway", a.cfg.Gateway.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
