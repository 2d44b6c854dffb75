package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newProcessURLsCmd builds the process-urls subcommand: replay a ref file
// collected earlier through the full extraction pipeline.
func newProcessURLsCmd() *cobra.Command {
	flags := &runFlags{}
	var refsPath string

	cmd := &cobra.Command{
		Use:   "process-urls",
		Short: "Process a previously collected ref file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if refsPath == "" {
				refsPath = filepath.Join(cfg.Harvest.DataDir, "refs.json")
			}
			refs, err := readRefs(refsPath)
			if err != nil {
				return err
			}

			h, err := buildHarness(ctx, flags, false)
			if err != nil {
				return err
			}
			defer h.close()

			summary, err := h.runner.ProcessRefs(ctx, refs)
			rememberSummary(summary)
			if err != nil {
				return err
			}
			logger.Info("process-urls finished",
				zap.String("run_id", summary.RunID),
				zap.Int("refs", len(refs)),
				zap.Int("records", summary.Counters.Records),
			)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&refsPath, "refs", "", "refs input file (default <data_dir>/refs.json)")
	return cmd
}
