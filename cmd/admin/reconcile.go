package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ledgerlink/internal/app"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/infrastructure/export"
	"ledgerlink/internal/infrastructure/postgres"
	"ledgerlink/internal/shared/config"
)

const dateLayout = "2006-01-02"

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Match bank transactions to invoices",
	}

	var from, to string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run a reconciliation pass for an organization",
		Example: `  admin reconcile run --org=org-1
  admin reconcile run --org=org-1 --from=2026-01-01 --to=2026-03-31`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, logger logrus.FieldLogger) error {
				start := time.Now()
				result, err := a.ReconciliationService.RunReconciliation(ctx, organizationID, window)
				if err != nil {
					return err
				}
				logger.WithField("elapsed", time.Since(start).String()).Info("Reconciliation completed")
				return printJSON(result)
			})
		},
	}
	run.Flags().StringVar(&from, "from", "", "Window start (YYYY-MM-DD)")
	run.Flags().StringVar(&to, "to", "", "Window end (YYYY-MM-DD)")

	missing := &cobra.Command{
		Use:   "missing-payments",
		Short: "Raise discrepancies for overdue unpaid invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, logger logrus.FieldLogger) error {
				invoices, err := postgres.NewLedgerRepository(a.DB).ListInvoices(ctx, organizationID, nil)
				if err != nil {
					return err
				}
				raised, err := a.ReconciliationService.CheckForMissingPayments(ctx, organizationID, invoices)
				if err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{"invoices": len(invoices), "raised": len(raised)}).Info("Missing payment check completed")
				return printJSON(raised)
			})
		},
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Show the reconciliation summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, _ logrus.FieldLogger) error {
				s, err := a.ReconciliationService.GetReconciliationSummary(ctx, organizationID)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}

	cmd.AddCommand(run, missing, summary)
	return cmd
}

func discrepanciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discrepancies",
		Short: "Inspect open discrepancies",
	}

	var output string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write open discrepancies and pending matches to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("reconciliation-%s-%s.xlsx", organizationID, time.Now().Format("20060102"))
			}
			return withApp(func(ctx context.Context, a *app.App, _ *config.Config, logger logrus.FieldLogger) error {
				discrepancies, err := a.ReconciliationService.GetOpenDiscrepancies(ctx, organizationID)
				if err != nil {
					return err
				}
				pending, err := a.ReconciliationService.GetPendingMatches(ctx, organizationID)
				if err != nil {
					return err
				}

				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				if err := export.DiscrepancyWorkbook(f, discrepancies, pending); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}

				logger.WithFields(logrus.Fields{
					"file":          output,
					"discrepancies": len(discrepancies),
					"pending":       len(pending),
				}).Info("Export written")
				return nil
			})
		},
	}
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "Output file")

	cmd.AddCommand(exportCmd)
	return cmd
}

// parseWindow builds an inclusive date window. Both bounds or neither.
func parseWindow(from, to string) (*ledger.DateRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("--from and --to must be given together")
	}
	f, err := time.Parse(dateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid --from: %w", err)
	}
	t, err := time.Parse(dateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("invalid --to: %w", err)
	}
	// Include the whole end day.
	t = t.Add(24*time.Hour - time.Nanosecond)
	if t.Before(f) {
		return nil, fmt.Errorf("--from must not be after --to")
	}
	return &ledger.DateRange{From: f, To: t}, nil
}
