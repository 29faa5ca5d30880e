package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"peridot/api/internal/quota"
	"peridot/api/internal/store"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and adjust per-user storage quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show [user-id]",
	Short: "Print a user's ledger entry and the bytes actually stored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(cmd.Context(), func(ctx context.Context, s *store.PostgresStore) error {
			usage, err := s.Usage(ctx, args[0])
			if err != nil {
				return err
			}
			stored, err := s.StoredBytes(ctx, args[0])
			if err != nil {
				return err
			}
			printUsage(cmd, args[0], usage)
			fmt.Fprintf(cmd.OutOrStdout(), "stored:    %d\n", stored)
			if stored != usage.UsedBytes {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: ledger differs from stored notes by %d bytes\n", usage.UsedBytes-stored)
			}
			return nil
		})
	},
}

var quotaSetCmd = &cobra.Command{
	Use:   "set [user-id] [total-bytes]",
	Short: "Change a user's storage capacity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		total, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("total-bytes must be an integer: %w", err)
		}
		return withPostgres(cmd.Context(), func(ctx context.Context, s *store.PostgresStore) error {
			usage, err := s.SetQuotaTotal(ctx, args[0], total)
			if err != nil {
				return err
			}
			printUsage(cmd, args[0], usage)
			return nil
		})
	},
}

func withPostgres(ctx context.Context, fn func(context.Context, *store.PostgresStore) error) error {
	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, store.NewPostgresStore(db, cfg.DefaultQuotaBytes))
}

func printUsage(cmd *cobra.Command, userID string, usage quota.Usage) {
	report := usage.Report()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:      %s\n", userID)
	fmt.Fprintf(out, "total:     %d\n", report.TotalBytes)
	fmt.Fprintf(out, "used:      %d (%.2f%%)\n", report.UsedBytes, report.PercentUsed)
	fmt.Fprintf(out, "available: %d\n", report.AvailableBytes)
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd, quotaSetCmd)
	rootCmd.AddCommand(quotaCmd)
}
