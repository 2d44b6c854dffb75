// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procwatch/tender-crawler/internal/config"
	"github.com/procwatch/tender-crawler/internal/logging"
	"github.com/procwatch/tender-crawler/internal/metrics"
	"github.com/procwatch/tender-crawler/internal/scheduler"
)

// Exit codes for the run outcome. A degraded run completed but carries a
// structural-drift warning an operator should look at.
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitDegraded  = 2
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger

	// lastSummary carries the run outcome from the subcommand back to
	// Execute for exit-code mapping.
	lastSummary *scheduler.RunSummary
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tender-crawler",
		Short: "Harvests structured records from the public procurement portal.",
		Long: `tender-crawler walks the procurement portal's listing pages, extracts
structured tender records from rendered detail pages, downloads gated
documents over an authenticated session, and reconstructs financial bid
tables from document text. Results land in Postgres; every run is
recorded in a ledger that drives incremental harvesting.`,

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded

			l, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			logger = l
			metrics.Init()
			metrics.Serve(c.Context(), cfg.Metrics.Addr, logger)
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; TENDER_* env vars apply either way)")

	cmd.AddCommand(newCollectURLsCmd())
	cmd.AddCommand(newProcessURLsCmd())
	cmd.AddCommand(newFullRunCmd())

	return cmd
}

// Execute runs the CLI and maps the outcome to the process exit code.
// SIGINT/SIGTERM cancel the run context; in-flight workers finish their
// current record before the process exits.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return ExitFailed
	}
	if lastSummary != nil && lastSummary.Degraded() {
		return ExitDegraded
	}
	return ExitCompleted
}
