package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/vpnshop/internal/backup"
	"github.com/dukerupert/vpnshop/internal/config"
	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/logging"
)

func newBackupCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage encrypted database snapshots in S3-compatible storage",
	}
	cmd.AddCommand(
		newBackupRunCmd(load),
		newBackupListCmd(load),
		newBackupPruneCmd(load),
		newBackupRestoreCmd(load),
	)
	return cmd
}

// openBackups loads config and builds a manager. The database is only opened
// when withDB is set, because restore must run against a closed file.
func openBackups(load loadFunc, withDB bool) (*backup.Manager, *config.Config, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	var db *sql.DB
	closeFn := func() {}
	if withDB {
		db, err = database.Open(cfg.DB.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		closeFn = func() { db.Close() }
	}
	m := backup.NewManager(backupConfig(cfg.Backup), db, logger)
	if !m.Enabled() {
		closeFn()
		return nil, nil, nil, fmt.Errorf("%w: set backup.bucket, backup.access_key, backup.secret_key and backup.passphrase", backup.ErrNotConfigured)
	}
	return m, cfg, closeFn, nil
}

func newBackupRunCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Take a snapshot now and prune expired ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, closeFn, err := openBackups(load, true)
			if err != nil {
				return err
			}
			defer closeFn()

			snap, err := m.Run(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := m.Prune(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%d bytes), pruned %d\n", snap.Key, snap.Size, deleted)
			return err
		},
	}
}

func newBackupListCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, closeFn, err := openBackups(load, false)
			if err != nil {
				return err
			}
			defer closeFn()

			snaps, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tTAKEN\tSIZE")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Key, s.Taken.Format(time.RFC3339), s.Size)
			}
			return w.Flush()
		},
	}
}

func newBackupPruneCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots older than backup.retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, closeFn, err := openBackups(load, false)
			if err != nil {
				return err
			}
			defer closeFn()

			deleted, err := m.Prune(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d\n", deleted)
			return err
		},
	}
}

func newBackupRestoreCmd(load loadFunc) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "restore <key>",
		Short: "Replace the database with a snapshot; the server must be stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, closeFn, err := openBackups(load, false)
			if err != nil {
				return err
			}
			defer closeFn()

			dst := to
			if dst == "" {
				dst = cfg.DB.Path
			}
			lock, err := database.AcquireLock(dst)
			if err != nil {
				return err
			}
			defer lock.Release()

			if err := m.Restore(cmd.Context(), args[0], dst); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", args[0], dst)
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Destination path (default db.path)")
	return cmd
}
