package frontier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/procwatch/tender-crawler/internal/browser"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// fakeDriver plays back canned listing pages; Click("next") advances.
type fakeDriver struct {
	pages      []string
	pageIdx    int
	navigated  []string
	selections map[string]string
	selectErr  error
	clickN     int
}

func newFakeDriver(pages ...string) *fakeDriver {
	return &fakeDriver{pages: pages, selections: map[string]string{}}
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *fakeDriver) HTML(context.Context) (string, error) {
	if d.pageIdx >= len(d.pages) {
		return "<html><body></body></html>", nil
	}
	return d.pages[d.pageIdx], nil
}

func (d *fakeDriver) Click(context.Context, string) error {
	d.clickN++
	if d.pageIdx+1 >= len(d.pages) {
		return eris.New("no next control")
	}
	d.pageIdx++
	return nil
}

func (d *fakeDriver) SelectValue(_ context.Context, selector, value string) error {
	if d.selectErr != nil {
		return d.selectErr
	}
	d.selections[selector] = value
	return nil
}

func (d *fakeDriver) Location(context.Context) (string, error) { return "", nil }

func (d *fakeDriver) Close() error { return nil }

// singleSource hands out one driver without pooling.
type singleSource struct {
	driver   *fakeDriver
	acquired int
	released int
}

func (s *singleSource) Acquire(context.Context) (browser.Session, error) {
	s.acquired++
	return s.driver, nil
}

func (s *singleSource) Release(browser.Session) { s.released++ }

func listingPage(links ...string) string {
	body := "<html><body><table class=\"results\">"
	for _, l := range links {
		body += l
	}
	return body + "</table><a class=\"pagination-next\" href=\"#\">next</a></body></html>"
}

func link(ref, href string) string {
	return fmt.Sprintf(`<a class="detail-link" data-ref=%q href=%q>row</a>`, ref, href)
}

func collect(t *testing.T, f tender.Frontier, target tender.CrawlTarget) ([]tender.RecordRef, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	refs, errs := f.Enumerate(ctx, target)
	var out []tender.RecordRef
	for ref := range refs {
		out = append(out, ref)
	}
	return out, <-errs
}

func TestPortal_PaginatesAndDeduplicates(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver(
		listingPage(link("T-1", "/tender/1"), link("T-2", "/tender/2")),
		// T-2 repeats on page two; only T-3 is new.
		listingPage(link("T-2", "/tender/2"), link("T-3", "/tender/3")),
	)
	source := &singleSource{driver: driver}
	f := NewPortal(PortalConfig{
		BaseURL:     "https://portal.example",
		ListingPath: "/tenders?category=%s",
	}, source, nil)

	refs, err := collect(t, f, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)

	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"T-1", "T-2", "T-3"}, ids)
	require.Equal(t, "https://portal.example/tender/1", refs[0].DetailURL)

	// The session is always returned.
	require.Equal(t, 1, source.acquired)
	require.Equal(t, 1, source.released)
}

func TestPortal_PartitionSelectFailureYieldsNothing(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver(listingPage(link("T-1", "/tender/1")))
	driver.selectErr = eris.New("select not found")
	source := &singleSource{driver: driver}
	f := NewPortal(PortalConfig{
		BaseURL:      "https://portal.example",
		ListingPath:  "/tenders?category=%s",
		YearSelector: "select#archive-year",
	}, source, nil)

	refs, err := collect(t, f, tender.CrawlTarget{Category: "goods", Year: 2022})
	require.ErrorIs(t, err, tender.ErrPartitionSelect)
	require.Empty(t, refs)
	require.Equal(t, 1, source.released)
}

func TestPortal_NoYearSkipsPartitionSelection(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver(listingPage(link("T-1", "/tender/1")))
	driver.selectErr = eris.New("would fail if called")
	source := &singleSource{driver: driver}
	f := NewPortal(PortalConfig{
		BaseURL:      "https://portal.example",
		ListingPath:  "/tenders?category=%s",
		YearSelector: "select#archive-year",
	}, source, nil)

	refs, err := collect(t, f, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestPortal_PageSizeNegotiationFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver(listingPage(link("T-1", "/tender/1")))
	driver.selectErr = eris.New("no such select")
	source := &singleSource{driver: driver}
	f := NewPortal(PortalConfig{
		BaseURL:          "https://portal.example",
		ListingPath:      "/tenders?category=%s",
		PageSizeSelector: "select#page-size",
		PageSizeValue:    "100",
	}, source, nil)

	refs, err := collect(t, f, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestPortal_StopsOnConsecutiveEmptyPages(t *testing.T) {
	t.Parallel()

	driver := newFakeDriver(
		listingPage(link("T-1", "/tender/1")),
		listingPage(link("T-1", "/tender/1")), // nothing new
		listingPage(link("T-1", "/tender/1")), // nothing new again
		listingPage(link("T-9", "/tender/9")), // never reached
	)
	source := &singleSource{driver: driver}
	f := NewPortal(PortalConfig{
		BaseURL:     "https://portal.example",
		ListingPath: "/tenders?category=%s",
		Limits:      Limits{EmptyPageStop: 2},
	}, source, nil)

	refs, err := collect(t, f, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "T-1", refs[0].ID)
}

func TestPortal_MaxPagesCap(t *testing.T) {
	t.Parallel()

	pages := make([]string, 10)
	for i := range pages {
		pages[i] = listingPage(link(fmt.Sprintf("T-%d", i), fmt.Sprintf("/tender/%d", i)))
	}
	driver := newFakeDriver(pages...)
	source := &singleSource{driver: driver}
	f := NewPortal(PortalConfig{
		BaseURL:     "https://portal.example",
		ListingPath: "/tenders?category=%s",
		Limits:      Limits{MaxPages: 3},
	}, source, nil)

	refs, err := collect(t, f, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)
	require.Len(t, refs, 3)
}

func TestPortal_FallbackIDFromURLHashIsStable(t *testing.T) {
	t.Parallel()

	page := listingPage(`<a class="detail-link" href="/tender/77">row</a>`)
	f1 := NewPortal(PortalConfig{BaseURL: "https://portal.example", ListingPath: "/tenders?category=%s"},
		&singleSource{driver: newFakeDriver(page)}, nil)
	f2 := NewPortal(PortalConfig{BaseURL: "https://portal.example", ListingPath: "/tenders?category=%s"},
		&singleSource{driver: newFakeDriver(page)}, nil)

	a, err := collect(t, f1, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)
	b, err := collect(t, f2, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)

	require.Len(t, a, 1)
	require.Equal(t, a[0].ID, b[0].ID, "hash-derived identifiers must be stable across runs")
}

func TestPortal_RowUpdatedTimestampParsed(t *testing.T) {
	t.Parallel()

	page := listingPage(`<a class="detail-link" data-ref="T-5" data-updated="15.03.2024." href="/tender/5">row</a>`)
	f := NewPortal(PortalConfig{BaseURL: "https://portal.example", ListingPath: "/tenders?category=%s"},
		&singleSource{driver: newFakeDriver(page)}, nil)

	refs, err := collect(t, f, tender.CrawlTarget{Category: "goods"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), refs[0].SourceUpdated)
}
