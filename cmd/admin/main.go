package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ledgerlink/internal/app"
	"ledgerlink/internal/shared/config"
	"ledgerlink/internal/shared/logging"
)

var (
	organizationID string
	timeout        time.Duration
	verbose        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "admin",
		Short:        "LedgerLink admin CLI - maintenance commands for the sync and reconciliation engine",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&organizationID, "org", "", "Organization ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Timeout for the operation (e.g., 5m, 1h)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(discrepanciesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, wires the services and runs fn under the
// command timeout.
func withApp(fn func(ctx context.Context, a *app.App, cfg *config.Config, logger logrus.FieldLogger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger := logging.New(level)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a, cfg, logger)
}

func requireOrg() error {
	if organizationID == "" {
		return fmt.Errorf("--org is required")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, logger logrus.FieldLogger) error {
				if err := a.DB.Migrate(ctx); err != nil {
					return err
				}
				logger.Info("Schema is up to date")
				return nil
			})
		},
	}
}
