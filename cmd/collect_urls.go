package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procwatch/tender-crawler/internal/browser"
	"github.com/procwatch/tender-crawler/internal/scheduler"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// newCollectURLsCmd builds the collect-urls subcommand: enumerate the
// frontier and write the discovered refs to a file for a later
// process-urls run.
func newCollectURLsCmd() *cobra.Command {
	flags := &runFlags{}
	var outPath string

	cmd := &cobra.Command{
		Use:   "collect-urls",
		Short: "Enumerate detail-page references without processing them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			targets, err := flags.targets()
			if err != nil {
				return err
			}

			var pool *browser.Pool
			if flags.source == "portal" {
				allocator, p, err := buildBrowserPool(ctx, flags)
				if err != nil {
					return err
				}
				defer allocator.Close()
				defer p.Close()
				pool = p
			}
			front, err := buildFrontier(flags, pool)
			if err != nil {
				return err
			}

			// Enumeration needs no database, fetcher, or extractor; a
			// frontier-only runner keeps collect-urls light.
			runner := scheduler.New(scheduler.Config{}, scheduler.Deps{
				Frontier: front,
				Logger:   logger,
			})
			refs, err := runner.CollectURLs(ctx, targets)
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = filepath.Join(cfg.Harvest.DataDir, "refs.json")
			}
			if err := writeRefs(outPath, refs); err != nil {
				return err
			}
			logger.Info("refs collected",
				zap.Int("count", len(refs)),
				zap.String("path", outPath),
			)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&outPath, "out", "", "refs output file (default <data_dir>/refs.json)")
	return cmd
}

func writeRefs(path string, refs []tender.RecordRef) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "create data dir %s", dir)
		}
	}
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode refs")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "write refs %s", path)
	}
	return nil
}

func readRefs(path string) ([]tender.RecordRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read refs %s", path)
	}
	var refs []tender.RecordRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, eris.Wrapf(err, "decode refs %s", path)
	}
	return refs, nil
}

// rememberSummary stashes the run outcome for exit-code mapping.
func rememberSummary(s scheduler.RunSummary) {
	lastSummary = &s
}
