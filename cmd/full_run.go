package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newFullRunCmd builds the full-run subcommand: enumerate and process in
// one pass, streaming refs straight into the worker pool.
func newFullRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "full-run",
		Short: "Enumerate and process the targets in one run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			targets, err := flags.targets()
			if err != nil {
				return err
			}

			h, err := buildHarness(ctx, flags, true)
			if err != nil {
				return err
			}
			defer h.close()

			summary, err := h.runner.Run(ctx, targets)
			rememberSummary(summary)
			if err != nil {
				return err
			}
			logger.Info("full-run finished",
				zap.String("run_id", summary.RunID),
				zap.String("status", string(summary.Status)),
				zap.Int("records", summary.Counters.Records),
				zap.Int("documents", summary.Counters.Documents),
				zap.Int("bid_rows", summary.Counters.BidRows),
				zap.Int("drift_warnings", len(summary.Warnings)),
			)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
