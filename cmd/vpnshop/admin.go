package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/logging"
	"github.com/dukerupert/vpnshop/internal/push"
)

func newMigrateCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format)
			// Open applies pending migrations.
			db, err := database.Open(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s\n", cfg.DB.Path)
			return err
		},
	}
}

func newCheckCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "check <payment-id>",
		Short: "Run one confirmation attempt for a gateway payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := wireApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.service.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("check %s: %w", args[0], err)
			}
			status, err := a.tracker.TransactionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state := "unknown"
			if status != nil {
				state = string(*status)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: outcome=%s status=%s\n", args[0], outcome, state)
			return err
		},
	}
}

func newRecomputeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <account-id>",
		Short: "Rebuild an account balance from its succeeded transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := wireApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			before, err := a.ledger.Balance(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			after, err := a.ledger.Recompute(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "account %d: %s -> %s\n", accountID, before.StringFixed(2), after.StringFixed(2))
			return err
		},
	}
}

func newTokenCmd(load loadFunc) *cobra.Command {
	var name, ref string

	cmd := &cobra.Command{
		Use:   "token <subject-id>",
		Short: "Register an account if needed and print an API token for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subjectID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid subject id %q", args[0])
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				return fmt.Errorf("http.jwt_secret is required to sign tokens")
			}
			a, err := wireApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			account, created, err := a.referral.Register(cmd.Context(), subjectID, name, ref)
			if err != nil {
				return err
			}
			token, err := a.signer.Issue(account.SubjectID)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "registered account %d (referral code %s)\n", account.ID, account.ReferralCode)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name for a new account")
	cmd.Flags().StringVar(&ref, "ref", "", "Referral code of the inviting account")
	return cmd
}

func newVAPIDKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for Web Push",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "VPNSHOP_PUSH_VAPID_PUBLIC_KEY=%s\nVPNSHOP_PUSH_VAPID_PRIVATE_KEY=%s\n", pub, priv)
			return err
		},
	}
}

func newRemindCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Send the expiry reminders that are due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := wireApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sent, err := a.reminders.Tick(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reminders sent: %d\n", sent)
			return err
		},
	}
}
