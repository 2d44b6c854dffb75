package cmd

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/procwatch/tender-crawler/internal/tender"
)

// runFlags are the knobs shared by every harvesting subcommand.
type runFlags struct {
	category    string
	year        int
	yearRange   string
	workers     int
	staggerSec  int
	maxPages    int
	headless    bool
	incremental bool
	full        bool
	source      string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.category, "category", "", "listing category to harvest (required)")
	cmd.Flags().IntVar(&f.year, "year", 0, "archive year partition (0 = current)")
	cmd.Flags().StringVar(&f.yearRange, "year-range", "", "inclusive year span, e.g. 2020-2023")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "parallel workers (default from config)")
	cmd.Flags().IntVar(&f.staggerSec, "stagger", 0, "seconds between worker launches (default from config)")
	cmd.Flags().IntVar(&f.maxPages, "max-pages", 0, "pagination cap per target (default from config)")
	cmd.Flags().BoolVar(&f.headless, "headless", true, "run the browser headless")
	cmd.Flags().BoolVar(&f.incremental, "incremental", false, "skip records unchanged since the last completed run")
	cmd.Flags().BoolVar(&f.full, "full", false, "process everything regardless of run history")
	cmd.Flags().StringVar(&f.source, "source", "portal", "frontier source: portal or auction")

	_ = cmd.MarkFlagRequired("category")
	cmd.MarkFlagsMutuallyExclusive("year", "year-range")
	cmd.MarkFlagsMutuallyExclusive("incremental", "full")
}

// targets expands the category and year flags into crawl targets, one per
// year in a range.
func (f *runFlags) targets() ([]tender.CrawlTarget, error) {
	if f.yearRange == "" {
		return []tender.CrawlTarget{{Category: f.category, Year: f.year}}, nil
	}
	from, to, err := parseYearRange(f.yearRange)
	if err != nil {
		return nil, err
	}
	var out []tender.CrawlTarget
	for y := from; y <= to; y++ {
		out = append(out, tender.CrawlTarget{Category: f.category, Year: y})
	}
	return out, nil
}

func parseYearRange(s string) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, eris.Errorf("year range %q: want FROM-TO", s)
	}
	from, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, eris.Wrapf(err, "year range %q", s)
	}
	to, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, eris.Wrapf(err, "year range %q", s)
	}
	if from > to {
		return 0, 0, eris.Errorf("year range %q: start after end", s)
	}
	return from, to, nil
}
