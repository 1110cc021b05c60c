package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ledgerlink/internal/app"
	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/shared/config"
)

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Manage provider connections",
	}

	var (
		externalID   string
		accessToken  string
		refreshToken string
		expiresIn    time.Duration
		interval     int
	)

	add := &cobra.Command{
		Use:   "add <source>",
		Short: "Register a connection, create its schedule and run the first sync",
		Example: `  admin connection add quickbooks --org=org-1 --external-id=9130 --access-token=... --refresh-token=...
  admin connection add plaid --org=org-1 --external-id=item-1 --access-token=access-sandbox-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			source, err := connection.ParseSource(args[0])
			if err != nil {
				return err
			}

			tokens := connection.Tokens{AccessToken: accessToken, RefreshToken: refreshToken}
			if expiresIn > 0 {
				exp := time.Now().Add(expiresIn)
				tokens.ExpiresAt = &exp
			}

			var intervalMinutes *int
			if cmd.Flags().Changed("interval") {
				intervalMinutes = &interval
			}

			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, logger logrus.FieldLogger) error {
				conn, schedule, job, err := a.SyncService.RegisterConnection(ctx, connection.CreateParams{
					OrganizationID: organizationID,
					Source:         source,
					ExternalID:     externalID,
					Tokens:         tokens,
				}, intervalMinutes)
				if conn == nil {
					return err
				}
				if err != nil {
					logger.WithError(err).Warn("Connection registered but initial sync did not complete")
				}
				return printJSON(map[string]any{"connection": conn, "schedule": schedule, "job": job})
			})
		},
	}
	add.Flags().StringVar(&externalID, "external-id", "", "Provider-side identifier (realm, tenant, item or account)")
	add.Flags().StringVar(&accessToken, "access-token", "", "Provider access token")
	add.Flags().StringVar(&refreshToken, "refresh-token", "", "Provider refresh token")
	add.Flags().DurationVar(&expiresIn, "expires-in", 0, "Access token lifetime")
	add.Flags().IntVar(&interval, "interval", 0, "Sync interval in minutes")
	_ = add.MarkFlagRequired("external-id")
	_ = add.MarkFlagRequired("access-token")

	cmd.AddCommand(add)
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage sync schedules",
	}

	var interval int
	create := &cobra.Command{
		Use:   "create <source> <connection-id>",
		Short: "Create or re-enable the schedule for a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			source, err := connection.ParseSource(args[0])
			if err != nil {
				return err
			}
			var intervalMinutes *int
			if cmd.Flags().Changed("interval") {
				intervalMinutes = &interval
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, _ logrus.FieldLogger) error {
				schedule, err := a.SyncService.CreateScheduleForConnection(ctx, organizationID, source, args[1], intervalMinutes)
				if err != nil {
					return err
				}
				return printJSON(schedule)
			})
		},
	}
	create.Flags().IntVar(&interval, "interval", 0, "Sync interval in minutes")

	pause := &cobra.Command{
		Use:   "pause <schedule-id>",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, _ logrus.FieldLogger) error {
				schedule, err := a.SyncService.PauseSchedule(ctx, organizationID, args[0])
				if err != nil {
					return err
				}
				return printJSON(schedule)
			})
		},
	}

	resume := &cobra.Command{
		Use:   "resume <schedule-id>",
		Short: "Re-enable a schedule and reset its failure count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, _ logrus.FieldLogger) error {
				schedule, err := a.SyncService.ResumeSchedule(ctx, organizationID, args[0])
				if err != nil {
					return err
				}
				return printJSON(schedule)
			})
		},
	}

	setInterval := &cobra.Command{
		Use:   "interval <schedule-id> <minutes>",
		Short: "Change a schedule's interval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			var minutes int
			if _, err := fmt.Sscanf(args[1], "%d", &minutes); err != nil || minutes <= 0 {
				return fmt.Errorf("invalid interval %q", args[1])
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, _ logrus.FieldLogger) error {
				schedule, err := a.SyncService.UpdateScheduleInterval(ctx, organizationID, args[0], minutes)
				if err != nil {
					return err
				}
				return printJSON(schedule)
			})
		},
	}

	cmd.AddCommand(create, pause, resume, setInterval)
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run syncs outside the API server",
	}

	trigger := &cobra.Command{
		Use:   "trigger <source> <connection-id>",
		Short: "Run a manual sync and wait for it to finish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			source, err := connection.ParseSource(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, _ logrus.FieldLogger) error {
				job, err := a.SyncService.TriggerManualSync(ctx, organizationID, source, args[1])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}

	tick := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass over every due schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, logger logrus.FieldLogger) error {
				if n, err := a.SyncService.SweepStaleJobs(ctx); err != nil {
					logger.WithError(err).Warn("Failed to sweep stale running jobs")
				} else if n > 0 {
					logger.WithField("jobs", n).Warn("Marked stale running jobs as failed")
				}

				start := time.Now()
				result, err := a.Scheduler.Tick(ctx)
				if err != nil {
					return err
				}
				logger.WithField("elapsed", time.Since(start).String()).Info("Tick completed")
				return printJSON(result)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show per-connection sync health for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, _ logrus.FieldLogger) error {
				statuses, err := a.SyncService.GetSyncStatus(ctx, organizationID)
				if err != nil {
					return err
				}
				return printJSON(statuses)
			})
		},
	}

	cmd.AddCommand(trigger, tick, status)
	return cmd
}
