package main

import (
	"github.com/spf13/cobra"

	"github.com/dukerupert/vpnshop/internal/config"
)

func newRootCmd() *cobra.Command {
	var configFile string
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "vpnshop",
		Short:         "VPN key shop: payments, subscriptions and key provisioning",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./vpnshop.{toml,yaml} if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")

	load := func() (*config.Config, error) {
		if err := config.LoadDotenv(envFile); err != nil {
			return nil, err
		}
		return config.Load(config.New(configFile))
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newCheckCmd(load),
		newRecomputeCmd(load),
		newTokenCmd(load),
		newBackupCmd(load),
		newRemindCmd(load),
		newVAPIDKeysCmd(),
	)
	return rootCmd
}

type loadFunc func() (*config.Config, error)
