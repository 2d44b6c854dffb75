package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procwatch/tender-crawler/internal/tender"
)

func TestTargetsSingleYear(t *testing.T) {
	t.Parallel()

	f := &runFlags{category: "goods", year: 2023}
	targets, err := f.targets()
	require.NoError(t, err)
	require.Equal(t, []tender.CrawlTarget{{Category: "goods", Year: 2023}}, targets)
}

func TestTargetsYearRangeExpands(t *testing.T) {
	t.Parallel()

	f := &runFlags{category: "works", yearRange: "2021-2023"}
	targets, err := f.targets()
	require.NoError(t, err)
	require.Equal(t, []tender.CrawlTarget{
		{Category: "works", Year: 2021},
		{Category: "works", Year: 2022},
		{Category: "works", Year: 2023},
	}, targets)
}

func TestParseYearRangeRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"2023", "abc-2023", "2023-abc", "2024-2020"} {
		_, _, err := parseYearRange(bad)
		require.Error(t, err, "input %q", bad)
	}
}
