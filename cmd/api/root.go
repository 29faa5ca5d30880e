package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"peridot/api/internal/config"
)

var (
	configFile string
	verbose    bool

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "peridot-api",
	Short: "Note sync API with per-user storage quotas and live fan-out",
	Long: `peridot-api stores users' notes, enforces each user's storage quota and
pushes every accepted change to the user's other live connections.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := os.Setenv("PERIDOT_CONFIG_FILE", configFile); err != nil {
				return err
			}
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			loaded.LogLevel = "debug"
		}
		cfg = loaded
		logger = newLogger(cfg)
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides PERIDOT_CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
