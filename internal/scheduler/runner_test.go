package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/procwatch/tender-crawler/internal/browser"
	"github.com/procwatch/tender-crawler/internal/extract"
	"github.com/procwatch/tender-crawler/internal/tender"
)

type bidInsert struct {
	recordID string
	source   string
	table    tender.BidTable
}

type fakeStore struct {
	mu          sync.Mutex
	records     []tender.ExtractedRecord
	documents   []tender.DownloadedDocument
	bidInserts  []bidInsert
	runs        map[string]tender.RunRecord
	lastSuccess time.Time
	updatedAt   map[string]time.Time
	upsertErr   error
	startErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:      map[string]tender.RunRecord{},
		updatedAt: map[string]time.Time{},
	}
}

func (s *fakeStore) UpsertRecord(_ context.Context, record tender.ExtractedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeStore) UpsertDocument(_ context.Context, doc tender.DownloadedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = append(s.documents, doc)
	return nil
}

func (s *fakeStore) InsertBidRows(_ context.Context, recordID, source string, table tender.BidTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bidInserts = append(s.bidInserts, bidInsert{recordID: recordID, source: source, table: table})
	return nil
}

func (s *fakeStore) bidTable(recordID, source string) (tender.BidTable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.bidInserts {
		if in.recordID == recordID && in.source == source {
			return in.table, true
		}
	}
	return tender.BidTable{}, false
}

func (s *fakeStore) RecordRunStart(_ context.Context, run tender.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) RecordRunEnd(_ context.Context, run tender.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) LastSuccessfulRun(context.Context) (time.Time, error) {
	return s.lastSuccess, nil
}

func (s *fakeStore) UpdatedAfter(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, ok := s.updatedAt[id]
	if !ok {
		return true, nil
	}
	return updated.After(cutoff), nil
}

func (s *fakeStore) run(t *testing.T, id string) tender.RunRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	require.True(t, ok, "run %s not in ledger", id)
	return run
}

type fakeFrontier struct {
	refs []tender.RecordRef
	err  error
}

func (f *fakeFrontier) Enumerate(ctx context.Context, _ tender.CrawlTarget) (<-chan tender.RecordRef, <-chan error) {
	refs := make(chan tender.RecordRef)
	errs := make(chan error, 1)
	go func() {
		defer close(refs)
		defer close(errs)
		for _, ref := range f.refs {
			select {
			case refs <- ref:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errs <- f.err
		}
	}()
	return refs, errs
}

// pageSession serves canned HTML keyed by URL.
type pageSession struct {
	mu      sync.Mutex
	pages   map[string]string
	current string
}

func (s *pageSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = url
	return nil
}

func (s *pageSession) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.current], nil
}

func (s *pageSession) Click(context.Context, string) error { return nil }

func (s *pageSession) SelectValue(context.Context, string, string) error { return nil }

func (s *pageSession) Location(context.Context) (string, error) { return s.current, nil }

func (s *pageSession) Close() error { return nil }

type fakeSessions struct {
	session  browser.Session
	mu       sync.Mutex
	acquired int
	released int
}

func (s *fakeSessions) Acquire(context.Context) (browser.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	return s.session, nil
}

func (s *fakeSessions) Release(browser.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

type fakeFetcher struct {
	mu         sync.Mutex
	sessionErr error
	outcomes   map[string]tender.ValidationStatus
	downloads  []string
}

func (f *fakeFetcher) EnsureSession(context.Context) error { return f.sessionErr }

func (f *fakeFetcher) Download(_ context.Context, ref tender.DocumentRef) (tender.DownloadedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, ref.RemoteURL)
	status, ok := f.outcomes[ref.RemoteURL]
	if !ok {
		status = tender.ValidationValid
	}
	return tender.DownloadedDocument{DocumentRef: ref, Status: status}, nil
}

// fakeDocText serves canned document text keyed by remote URL; URLs not in
// the map come back unsupported.
type fakeDocText struct {
	texts map[string]string
	err   error
}

func (f *fakeDocText) Text(doc tender.DownloadedDocument) (string, bool, error) {
	if f.err != nil {
		return "", true, f.err
	}
	text, ok := f.texts[doc.RemoteURL]
	return text, ok, nil
}

type fakeBids struct {
	tables map[string]tender.BidTable
}

func (f *fakeBids) Reconstruct(text string) tender.BidTable {
	for marker, table := range f.tables {
		if marker != "" && strings.Contains(text, marker) {
			return table
		}
	}
	return tender.BidTable{}
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAlerter) NotifyFailure(_ context.Context, runID, summary string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, runID+": "+summary)
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

func detailPage(title, org string, docLinks ...string) string {
	body := "<html><body><h1 class=\"tender-title\">" + title + "</h1>" +
		"<div class=\"contracting-authority\">" + org + "</div>"
	for _, href := range docLinks {
		body += `<a class="document-link" href="` + href + `">attachment.pdf</a>`
	}
	return body + "</body></html>"
}

func testFields() []extract.FieldSpec {
	return []extract.FieldSpec{
		{
			Name:     extract.FieldTitle,
			Critical: true,
			Strategies: []extract.Strategy{
				extract.SelectorStrategy{Selector: "h1.tender-title"},
			},
		},
		{
			Name: extract.FieldOrganization,
			Strategies: []extract.Strategy{
				extract.SelectorStrategy{Selector: "div.contracting-authority"},
			},
		},
	}
}

type fakeArchiver struct {
	mu    sync.Mutex
	saves map[string]string
}

func (a *fakeArchiver) Save(recordID, html string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saves == nil {
		a.saves = map[string]string{}
	}
	a.saves[recordID] = html
	return "/archive/" + recordID + ".html", nil
}

type harness struct {
	runner   *Runner
	store    *fakeStore
	frontier *fakeFrontier
	fetcher  *fakeFetcher
	alerter  *fakeAlerter
	session  *pageSession
	archive  *fakeArchiver
	doctext  *fakeDocText
}

func newHarness(t *testing.T, cfg Config, refs []tender.RecordRef, pages map[string]string) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		frontier: &fakeFrontier{refs: refs},
		fetcher:  &fakeFetcher{outcomes: map[string]tender.ValidationStatus{}},
		alerter:  &fakeAlerter{},
		session:  &pageSession{pages: pages},
		archive:  &fakeArchiver{},
		doctext:  &fakeDocText{texts: map[string]string{}},
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	h.runner = New(cfg, Deps{
		Store:     h.store,
		Frontier:  h.frontier,
		Sessions:  &fakeSessions{session: h.session},
		Extractor: extract.New(testFields(), nil),
		Fetcher:   h.fetcher,
		Bids:      &fakeBids{tables: map[string]tender.BidTable{}},
		Alerter:   h.alerter,
		Clock:     &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
		Snapshots: h.archive,
		DocText:   h.doctext,
	})
	return h
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{
		{ID: "T-1", DetailURL: "https://portal.example/tender/1"},
		{ID: "T-2", DetailURL: "https://portal.example/tender/2"},
	}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("Road works", "City of Novi Sad", "/docs/a.pdf"),
		refs[1].DetailURL: detailPage("IT equipment", "Ministry of Finance"),
	}
	h := newHarness(t, Config{}, refs, pages)

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, tender.RunStatusCompleted, summary.Status)
	require.Equal(t, 2, summary.Counters.Records)
	require.Equal(t, 1, summary.Counters.Documents)
	require.Empty(t, summary.Warnings)
	require.False(t, summary.Degraded())

	run := h.store.run(t, summary.RunID)
	require.Equal(t, tender.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	require.Len(t, h.store.records, 2)
	titles := map[string]string{}
	for _, rec := range h.store.records {
		titles[rec.ID] = rec.Field(extract.FieldTitle)
	}
	require.Equal(t, "Road works", titles["T-1"])
	require.Equal(t, "IT equipment", titles["T-2"])
}

func TestRun_IncrementalCutoffSkipsStaleRecords(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	refs := []tender.RecordRef{
		{ID: "stale", DetailURL: "https://portal.example/tender/stale"},
		{ID: "fresh", DetailURL: "https://portal.example/tender/fresh"},
	}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("Stale", "Org"),
		refs[1].DetailURL: detailPage("Fresh", "Org"),
	}
	h := newHarness(t, Config{Incremental: true}, refs, pages)
	h.store.lastSuccess = cutoff
	h.store.updatedAt["stale"] = cutoff.Add(-time.Second)
	h.store.updatedAt["fresh"] = cutoff.Add(time.Second)

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counters.Records)
	require.Equal(t, 1, summary.Counters.Skipped)
	require.Len(t, h.store.records, 1)
	require.Equal(t, "fresh", h.store.records[0].ID)

	run := h.store.run(t, summary.RunID)
	require.True(t, run.Incremental)
	require.Equal(t, cutoff, run.Cutoff)
}

func TestRun_FullModeProcessesEverything(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{
		{ID: "old", DetailURL: "https://portal.example/tender/old"},
	}
	pages := map[string]string{refs[0].DetailURL: detailPage("Old", "Org")}
	h := newHarness(t, Config{Incremental: false}, refs, pages)
	h.store.lastSuccess = time.Now()
	h.store.updatedAt["old"] = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counters.Records)
	require.Zero(t, summary.Counters.Skipped)
}

func TestRun_DriftWarningStillCompletes(t *testing.T) {
	t.Parallel()

	// Pages without the critical title element drive its success rate to
	// zero; the run must still complete, carrying the warning.
	var refs []tender.RecordRef
	pages := map[string]string{}
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://portal.example/tender/%d", i)
		refs = append(refs, tender.RecordRef{ID: fmt.Sprintf("T-%d", i), DetailURL: url})
		pages[url] = `<html><body><div class="contracting-authority">Org</div></body></html>`
	}
	h := newHarness(t, Config{}, refs, pages)

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, tender.RunStatusCompleted, summary.Status)
	require.Len(t, summary.Warnings, 1)
	require.Equal(t, extract.FieldTitle, summary.Warnings[0].Field)
	require.True(t, summary.Degraded())
}

func TestRun_FatalStoreErrorFailsRunAndAlerts(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{{ID: "T-1", DetailURL: "https://portal.example/tender/1"}}
	pages := map[string]string{refs[0].DetailURL: detailPage("Title", "Org")}
	h := newHarness(t, Config{}, refs, pages)
	h.store.upsertErr = eris.Wrap(tender.ErrStoreUnavailable, "connection refused")

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.Error(t, err)
	require.Equal(t, tender.RunStatusFailed, summary.Status)

	run := h.store.run(t, summary.RunID)
	require.Equal(t, tender.RunStatusFailed, run.Status)
	require.NotEmpty(t, run.ErrorText)
	require.Len(t, h.alerter.calls, 1)
}

func TestRun_RunStartFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil, nil)
	h.store.startErr = eris.Wrap(tender.ErrStoreUnavailable, "down")

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.Error(t, err)
	require.Equal(t, tender.RunStatusFailed, summary.Status)
	require.Empty(t, h.store.records)
	require.Len(t, h.alerter.calls, 1)
}

func TestRun_AuthFailureDisablesDownloadsOnly(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{{ID: "T-1", DetailURL: "https://portal.example/tender/1"}}
	pages := map[string]string{refs[0].DetailURL: detailPage("Title", "Org", "/docs/a.pdf")}
	h := newHarness(t, Config{}, refs, pages)
	h.fetcher.sessionErr = eris.Wrap(tender.ErrLoginRejected, "bad credentials")

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, tender.RunStatusCompleted, summary.Status)
	require.Equal(t, 1, summary.Counters.Records)
	require.Zero(t, summary.Counters.Documents)
	require.Empty(t, h.fetcher.downloads)
}

func TestRun_SessionExpiryMidRunAbortsRemainingDownloads(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{
		{ID: "T-1", DetailURL: "https://portal.example/tender/1"},
		{ID: "T-2", DetailURL: "https://portal.example/tender/2"},
	}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("First", "Org", "/docs/a.pdf"),
		refs[1].DetailURL: detailPage("Second", "Org", "/docs/b.pdf"),
	}
	h := newHarness(t, Config{Workers: 1}, refs, pages)
	h.fetcher.outcomes["https://portal.example/docs/a.pdf"] = tender.ValidationLoginPage

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Counters.Records)
	require.Equal(t, []string{"https://portal.example/docs/a.pdf"}, h.fetcher.downloads)
	// The failed attempt is still recorded for retry on a later run.
	require.Len(t, h.store.documents, 1)
	require.Equal(t, tender.ValidationLoginPage, h.store.documents[0].Status)
}

func TestRun_FrontierFailureFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil, nil)
	h.frontier.err = eris.Wrap(tender.ErrPartitionSelect, "year 2022")

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods", Year: 2022}})
	require.ErrorIs(t, err, tender.ErrPartitionSelect)
	require.Equal(t, tender.RunStatusFailed, summary.Status)
}

func TestProcessRefs_ReplaysCollectedSet(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{
		{ID: "T-1", DetailURL: "https://portal.example/tender/1"},
		{ID: "T-2", DetailURL: "https://portal.example/tender/2"},
	}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("One", "Org"),
		refs[1].DetailURL: detailPage("Two", "Org"),
	}
	// The frontier is left empty: ProcessRefs must not touch it.
	h := newHarness(t, Config{}, nil, pages)

	summary, err := h.runner.ProcessRefs(context.Background(), refs)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Counters.Records)
}

func TestCollectURLs_EnumeratesWithoutProcessing(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{
		{ID: "T-1", DetailURL: "https://portal.example/tender/1"},
	}
	h := newHarness(t, Config{}, refs, nil)

	got, err := h.runner.CollectURLs(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, refs, got)
	require.Empty(t, h.store.records)
	require.Empty(t, h.store.runs)
}

func TestRun_BidRowsPersistedWithSourceLabel(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{{ID: "T-1", DetailURL: "https://portal.example/tender/1"}}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("Title with 30213100 marker", "Org"),
	}
	h := newHarness(t, Config{}, refs, pages)
	qty := 5376.0
	h.runner.bids = &fakeBids{tables: map[string]tender.BidTable{
		"30213100": {
			Rows:       []tender.BidRow{{Ordinal: 1, Name: "Laptop computer", Quantity: &qty}},
			Confidence: 0.9,
		},
	}}

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counters.BidRows)
	table, ok := h.store.bidTable("T-1", "detail_page")
	require.True(t, ok)
	require.Len(t, table.Rows, 1)
}

func TestRun_DocumentTextFeedsBidRows(t *testing.T) {
	t.Parallel()

	docURL := "https://portal.example/docs/ponuda.pdf"
	refs := []tender.RecordRef{{ID: "T-1", DetailURL: "https://portal.example/tender/1"}}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("Office chairs", "Ministry of Interior", docURL),
	}
	h := newHarness(t, Config{}, refs, pages)
	h.doctext.texts[docURL] = "39112000-0\nchair with armrests\n1.210,00"
	qty := 120.0
	h.runner.bids = &fakeBids{tables: map[string]tender.BidTable{
		"39112000-0": {
			Rows:       []tender.BidRow{{Ordinal: 1, Name: "chair with armrests", Quantity: &qty}},
			Confidence: 0.85,
		},
	}}

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counters.BidRows)
	table, ok := h.store.bidTable("T-1", "document:attachment.pdf")
	require.True(t, ok)
	require.Len(t, table.Rows, 1)
	require.Equal(t, "chair with armrests", table.Rows[0].Name)

	// The detail page itself carried no table, so no detail_page insert.
	_, ok = h.store.bidTable("T-1", "detail_page")
	require.False(t, ok)
}

func TestRun_EmptyDocumentReconstructionStillRecorded(t *testing.T) {
	t.Parallel()

	docURL := "https://portal.example/docs/prazno.pdf"
	refs := []tender.RecordRef{{ID: "T-1", DetailURL: "https://portal.example/tender/1"}}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("Consulting services", "Tax Administration", docURL),
	}
	h := newHarness(t, Config{}, refs, pages)
	h.doctext.texts[docURL] = "narrative terms and conditions, no table"

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "services"}})
	require.NoError(t, err)
	require.Equal(t, 0, summary.Counters.BidRows)
	table, ok := h.store.bidTable("T-1", "document:attachment.pdf")
	require.True(t, ok, "empty reconstruction must still persist its annotation")
	require.Empty(t, table.Rows)
	require.Zero(t, table.Confidence)
}

func TestRun_DocumentTextFailureCountsErrorWithoutFailingRecord(t *testing.T) {
	t.Parallel()

	docURL := "https://portal.example/docs/scan.pdf"
	refs := []tender.RecordRef{{ID: "T-1", DetailURL: "https://portal.example/tender/1"}}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("Road maintenance", "Public Roads", docURL),
	}
	h := newHarness(t, Config{}, refs, pages)
	h.doctext.err = eris.New("damaged xref table")

	summary, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "works"}})
	require.NoError(t, err)
	require.Equal(t, tender.RunStatusCompleted, summary.Status)
	require.Equal(t, 1, summary.Counters.Records)
	require.Equal(t, 1, summary.Counters.Errors)
	_, ok := h.store.bidTable("T-1", "document:attachment.pdf")
	require.False(t, ok)
}

func TestRun_PageSnapshotsArchived(t *testing.T) {
	t.Parallel()

	refs := []tender.RecordRef{
		{ID: "T-1", DetailURL: "https://portal.example/tender/1"},
		{ID: "T-2", DetailURL: "https://portal.example/tender/2"},
	}
	pages := map[string]string{
		refs[0].DetailURL: detailPage("Road works", "City of Novi Sad"),
		refs[1].DetailURL: detailPage("IT equipment", "Ministry of Finance"),
	}
	h := newHarness(t, Config{}, refs, pages)

	_, err := h.runner.Run(context.Background(), []tender.CrawlTarget{{Category: "goods"}})
	require.NoError(t, err)
	require.Len(t, h.archive.saves, 2)
	require.Equal(t, pages[refs[0].DetailURL], h.archive.saves["T-1"])
}
