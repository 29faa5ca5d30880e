package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"peridot/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		version, err := store.RollbackMigration(cmd.Context(), db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		if version == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", version)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they have run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		statuses, err := store.MigrationStatuses(cmd.Context(), db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tAPPLIED\tAT")
		for _, s := range statuses {
			at := "-"
			if s.Applied {
				at = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%t\t%s\n", s.Version, s.Applied, at)
		}
		return w.Flush()
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
