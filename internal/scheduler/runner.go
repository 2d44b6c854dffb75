// Package scheduler coordinates harvest runs: it drives the frontier,
// fans detail pages out over a worker pool, and keeps the job ledger that
// every incremental decision is derived from.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procwatch/tender-crawler/internal/browser"
	"github.com/procwatch/tender-crawler/internal/extract"
	"github.com/procwatch/tender-crawler/internal/metrics"
	"github.com/procwatch/tender-crawler/internal/progress"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// DocumentFetcher downloads gated documents; satisfied by *docfetch.Fetcher.
type DocumentFetcher interface {
	EnsureSession(ctx context.Context) error
	Download(ctx context.Context, ref tender.DocumentRef) (tender.DownloadedDocument, error)
}

// BidReconstructor rebuilds bid tables from text; satisfied by
// *bidtable.Reconstructor.
type BidReconstructor interface {
	Reconstruct(text string) tender.BidTable
}

// SessionSource hands out browser sessions; satisfied by *browser.Pool.
type SessionSource interface {
	Acquire(ctx context.Context) (browser.Session, error)
	Release(session browser.Session)
}

// SnapshotArchiver keeps raw page HTML for replay; satisfied by
// *snapshot.Archiver. Optional.
type SnapshotArchiver interface {
	Save(recordID, html string) (string, error)
}

// DocumentTexter reads the plain-text body of a stored document; satisfied
// by *doctext.Extractor. Optional: without it embedded bid tables are only
// reconstructed from detail pages.
type DocumentTexter interface {
	Text(doc tender.DownloadedDocument) (string, bool, error)
}

// Config tunes one run.
type Config struct {
	// Workers is the parallel unit count. Zero means 4.
	Workers int
	// Stagger spaces consecutive worker launches to avoid a thundering
	// herd of first requests.
	Stagger time.Duration
	// Incremental skips records the store has not seen change since the
	// last completed run.
	Incremental bool
	// DriftThreshold is the critical-field success-rate floor. Zero
	// means 0.80.
	DriftThreshold float64
	// NavTimeout bounds one detail-page navigation. Zero means 45s.
	NavTimeout time.Duration
	// DocTimeout bounds one document download. Zero means 90s.
	DocTimeout time.Duration
	// DocLinkSelector matches document links on a detail page.
	DocLinkSelector string
	// BidSource labels bid rows reconstructed from detail-page text.
	BidSource string
	// DocBidSource labels bid rows reconstructed from document text.
	DocBidSource string
}

func (c *Config) fillDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = 0.80
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.DocTimeout <= 0 {
		c.DocTimeout = 90 * time.Second
	}
	if c.DocLinkSelector == "" {
		c.DocLinkSelector = "a.document-link"
	}
	if c.BidSource == "" {
		c.BidSource = "detail_page"
	}
	if c.DocBidSource == "" {
		c.DocBidSource = "document"
	}
}

// RunSummary is what a finished run reports to the CLI.
type RunSummary struct {
	RunID    string
	Status   tender.RunStatus
	Counters tender.RunCounters
	Warnings []tender.DriftWarning
}

// Degraded reports whether the run completed but with a structural-drift
// warning attached.
func (s RunSummary) Degraded() bool {
	return s.Status == tender.RunStatusCompleted && len(s.Warnings) > 0
}

// Runner executes harvest runs.
type Runner struct {
	cfg       Config
	store     tender.Store
	frontier  tender.Frontier
	sessions  SessionSource
	extractor *extract.Extractor
	fetcher   DocumentFetcher
	bids      BidReconstructor
	alerter   tender.Alerter
	clock     tender.Clock
	ids       tender.IDGenerator
	events    progress.Emitter
	snapshots SnapshotArchiver
	doctext   DocumentTexter
	logger    *zap.Logger
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Store     tender.Store
	Frontier  tender.Frontier
	Sessions  SessionSource
	Extractor *extract.Extractor
	Fetcher   DocumentFetcher
	Bids      BidReconstructor
	Alerter   tender.Alerter
	Clock     tender.Clock
	IDs       tender.IDGenerator
	Events    progress.Emitter
	Snapshots SnapshotArchiver
	DocText   DocumentTexter
	Logger    *zap.Logger
}

// nopEmitter swallows events when no hub is wired.
type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

// New builds a Runner.
func New(cfg Config, deps Deps) *Runner {
	cfg.fillDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = nopEmitter{}
	}
	return &Runner{
		cfg:       cfg,
		store:     deps.Store,
		frontier:  deps.Frontier,
		sessions:  deps.Sessions,
		extractor: deps.Extractor,
		fetcher:   deps.Fetcher,
		bids:      deps.Bids,
		alerter:   deps.Alerter,
		clock:     deps.Clock,
		ids:       deps.IDs,
		events:    events,
		snapshots: deps.Snapshots,
		doctext:   deps.DocText,
		logger:    logger,
	}
}

// counters aggregates outcomes across workers.
type counters struct {
	records   atomic.Int64
	documents atomic.Int64
	bidRows   atomic.Int64
	errors    atomic.Int64
	skipped   atomic.Int64
}

func (c *counters) snapshot() tender.RunCounters {
	return tender.RunCounters{
		Records:   int(c.records.Load()),
		Documents: int(c.documents.Load()),
		BidRows:   int(c.bidRows.Load()),
		Errors:    int(c.errors.Load()),
		Skipped:   int(c.skipped.Load()),
	}
}

// CollectURLs enumerates the targets and returns the deduplicated refs
// without processing them; the collect-urls subcommand's engine.
func (r *Runner) CollectURLs(ctx context.Context, targets []tender.CrawlTarget) ([]tender.RecordRef, error) {
	var out []tender.RecordRef
	for _, target := range targets {
		refs, errs := r.frontier.Enumerate(ctx, target)
		for ref := range refs {
			out = append(out, ref)
		}
		if err := <-errs; err != nil {
			return out, eris.Wrapf(err, "enumerate category %s year %d", target.Category, target.Year)
		}
	}
	return out, nil
}

// Run executes a full harvest over the targets: enumerate, process, and
// close the ledger entry.
func (r *Runner) Run(ctx context.Context, targets []tender.CrawlTarget) (RunSummary, error) {
	return r.execute(ctx, func(gctx context.Context, out chan<- tender.RecordRef) error {
		defer close(out)
		for _, target := range targets {
			refs, errs := r.frontier.Enumerate(gctx, target)
			for ref := range refs {
				select {
				case out <- ref:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := <-errs; err != nil {
				return eris.Wrapf(err, "enumerate category %s year %d", target.Category, target.Year)
			}
		}
		return nil
	})
}

// ProcessRefs processes a previously collected ref set; the process-urls
// subcommand's engine.
func (r *Runner) ProcessRefs(ctx context.Context, refs []tender.RecordRef) (RunSummary, error) {
	return r.execute(ctx, func(gctx context.Context, out chan<- tender.RecordRef) error {
		defer close(out)
		for _, ref := range refs {
			select {
			case out <- ref:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
}

func (r *Runner) execute(ctx context.Context, feed func(context.Context, chan<- tender.RecordRef) error) (RunSummary, error) {
	runID, err := r.ids.NewID()
	if err != nil {
		return RunSummary{}, eris.Wrap(err, "run id")
	}
	summary := RunSummary{RunID: runID, Status: tender.RunStatusRunning}

	cutoff := time.Time{}
	if r.cfg.Incremental {
		cutoff, err = r.store.LastSuccessfulRun(ctx)
		if err != nil {
			return r.fail(ctx, summary, nil, err)
		}
	}
	run := tender.RunRecord{
		ID:          runID,
		StartedAt:   r.clock.Now(),
		Status:      tender.RunStatusRunning,
		Incremental: r.cfg.Incremental,
		Cutoff:      cutoff,
	}
	if err := r.store.RecordRunStart(ctx, run); err != nil {
		return r.fail(ctx, summary, nil, err)
	}
	r.events.Emit(progress.Event{RunID: runID, TS: run.StartedAt, Stage: progress.StageRunStart})

	// Auth failure disables document downloads but metadata extraction,
	// which needs no session, continues.
	docsEnabled := &atomic.Bool{}
	if r.fetcher != nil {
		if err := r.fetcher.EnsureSession(ctx); err != nil {
			r.logger.Warn("document session unavailable; downloads disabled for this run",
				zap.Error(err),
			)
		} else {
			docsEnabled.Store(true)
		}
	}

	tally := &counters{}
	g, gctx := errgroup.WithContext(ctx)
	refCh := make(chan tender.RecordRef)
	g.Go(func() error { return feed(gctx, refCh) })
	for i := 0; i < r.cfg.Workers; i++ {
		delay := time.Duration(i) * r.cfg.Stagger
		g.Go(func() error {
			return r.worker(gctx, runID, delay, cutoff, refCh, docsEnabled, tally)
		})
	}
	workErr := g.Wait()

	summary.Counters = tally.snapshot()
	summary.Warnings = r.extractor.DriftReport(r.cfg.DriftThreshold)
	run.Counters = summary.Counters
	for _, w := range summary.Warnings {
		r.logger.Warn("structural drift detected",
			zap.String("field", w.Field),
			zap.Int("attempts", w.Attempts),
			zap.Float64("success_rate", w.Rate),
		)
	}

	if workErr != nil {
		return r.fail(ctx, summary, &run, workErr)
	}

	now := r.clock.Now()
	run.CompletedAt = &now
	run.Status = tender.RunStatusCompleted
	summary.Status = tender.RunStatusCompleted
	if err := r.store.RecordRunEnd(ctx, run); err != nil {
		return r.fail(ctx, summary, nil, err)
	}
	metrics.ObserveRun(string(run.Status))
	r.events.Emit(progress.Event{
		RunID: runID,
		TS:    now,
		Stage: progress.StageRunDone,
		Dur:   now.Sub(run.StartedAt),
	})
	r.logger.Info("run completed",
		zap.String("run_id", runID),
		zap.Int("records", summary.Counters.Records),
		zap.Int("documents", summary.Counters.Documents),
		zap.Int("bid_rows", summary.Counters.BidRows),
		zap.Int("errors", summary.Counters.Errors),
		zap.Int("skipped", summary.Counters.Skipped),
		zap.Int("drift_warnings", len(summary.Warnings)),
	)
	return summary, nil
}

// fail closes the ledger entry as failed and alerts. The alerting call is
// best effort; its error never replaces the original failure.
func (r *Runner) fail(ctx context.Context, summary RunSummary, run *tender.RunRecord, cause error) (RunSummary, error) {
	summary.Status = tender.RunStatusFailed
	metrics.ObserveRun(string(tender.RunStatusFailed))
	if run != nil {
		now := r.clock.Now()
		run.CompletedAt = &now
		run.Status = tender.RunStatusFailed
		run.ErrorText = cause.Error()
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := r.store.RecordRunEnd(endCtx, *run); err != nil {
			r.logger.Error("failed run not recorded in ledger", zap.Error(err))
		}
	}
	if r.alerter != nil {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := r.alerter.NotifyFailure(alertCtx, summary.RunID, cause.Error()); err != nil {
			r.logger.Error("failure alert not delivered", zap.Error(err))
		}
	}
	return summary, cause
}

// worker owns one browser session for its lifetime and processes refs
// end-to-end, one at a time.
func (r *Runner) worker(ctx context.Context, runID string, delay time.Duration, cutoff time.Time, refs <-chan tender.RecordRef, docsEnabled *atomic.Bool, tally *counters) error {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	session, err := r.sessions.Acquire(ctx)
	if err != nil {
		return eris.Wrap(err, "acquire worker session")
	}
	defer r.sessions.Release(session)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		select {
		case ref, ok := <-refs:
			if !ok {
				return nil
			}
			started := r.clock.Now()
			skipped, err := r.processRef(ctx, runID, session, ref, cutoff, docsEnabled, tally)
			if err != nil {
				if tender.IsFatal(err) {
					return err
				}
				tally.errors.Add(1)
				r.events.Emit(progress.Event{
					RunID: runID,
					TS:    r.clock.Now(),
					Stage: progress.StageRecordError,
					RefID: ref.ID,
					URL:   ref.DetailURL,
					Note:  err.Error(),
				})
				r.logger.Warn("record processing failed",
					zap.String("ref", ref.ID),
					zap.String("url", ref.DetailURL),
					zap.Error(err),
				)
			} else {
				stage := progress.StageRecordDone
				if skipped {
					stage = progress.StageRecordSkip
				}
				r.events.Emit(progress.Event{
					RunID: runID,
					TS:    r.clock.Now(),
					Stage: stage,
					RefID: ref.ID,
					URL:   ref.DetailURL,
					Dur:   r.clock.Now().Sub(started),
				})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processRef handles one ref end-to-end. The work runs on a detached
// context with per-step timeouts so that canceling the run lets the
// current record finish instead of tearing it down half-written.
func (r *Runner) processRef(ctx context.Context, runID string, session browser.Session, ref tender.RecordRef, cutoff time.Time, docsEnabled *atomic.Bool, tally *counters) (bool, error) {
	base := context.WithoutCancel(ctx)

	if r.cfg.Incremental && !cutoff.IsZero() {
		updated, err := r.store.UpdatedAfter(base, ref.ID, cutoff)
		if err != nil {
			return false, err
		}
		if !updated {
			tally.skipped.Add(1)
			return true, nil
		}
	}

	navCtx, cancel := context.WithTimeout(base, r.cfg.NavTimeout)
	defer cancel()
	if err := session.Navigate(navCtx, ref.DetailURL); err != nil {
		return false, eris.Wrapf(err, "navigate %s", ref.DetailURL)
	}
	html, err := session.HTML(navCtx)
	if err != nil {
		return false, eris.Wrapf(err, "read page %s", ref.DetailURL)
	}
	page, err := extract.NewPageContext(ref.DetailURL, html)
	if err != nil {
		return false, eris.Wrapf(err, "parse page %s", ref.DetailURL)
	}

	record := r.extractor.Record(page, ref.ID, r.clock.Now())
	if err := r.store.UpsertRecord(base, record); err != nil {
		return false, err
	}
	tally.records.Add(1)

	// Archival failures never fail the record; the database copy of the
	// snapshot is already committed.
	if r.snapshots != nil {
		if _, err := r.snapshots.Save(ref.ID, html); err != nil {
			r.logger.Warn("page snapshot not archived",
				zap.String("ref", ref.ID),
				zap.Error(err),
			)
		}
	}

	for _, docRef := range DiscoverDocuments(ref.ID, ref.DetailURL, html, r.cfg.DocLinkSelector) {
		if !docsEnabled.Load() {
			break
		}
		docCtx, cancelDoc := context.WithTimeout(base, r.cfg.DocTimeout)
		doc, err := r.fetcher.Download(docCtx, docRef)
		cancelDoc()
		if err != nil {
			tally.errors.Add(1)
			r.logger.Warn("document not persisted locally",
				zap.String("url", docRef.RemoteURL),
				zap.Error(err),
			)
			continue
		}
		if doc.Status == tender.ValidationLoginPage {
			// The session died mid-run; stop burning download quota on
			// it. Metadata extraction continues.
			docsEnabled.Store(false)
			r.logger.Warn("session expired mid-run; aborting remaining downloads",
				zap.String("ref", ref.ID),
			)
		}
		if err := r.store.UpsertDocument(base, doc); err != nil {
			return false, err
		}
		if doc.Status == tender.ValidationValid {
			tally.documents.Add(1)
			r.events.Emit(progress.Event{
				RunID: runID,
				TS:    doc.FetchedAt,
				Stage: progress.StageDocDone,
				RefID: ref.ID,
				URL:   doc.RemoteURL,
				Bytes: doc.ByteSize,
			})
			if err := r.reconstructDocument(base, ref.ID, doc, tally); err != nil {
				return false, err
			}
		}
	}

	table := r.bids.Reconstruct(record.RawSnapshot)
	if len(table.Rows) > 0 {
		if err := r.store.InsertBidRows(base, ref.ID, r.cfg.BidSource, table); err != nil {
			return false, err
		}
		tally.bidRows.Add(int64(len(table.Rows)))
		metrics.ObserveBidRows(len(table.Rows))
	}
	return false, nil
}

// reconstructDocument runs the bid-table reconstructor over a valid
// document's text body. Empty and low-confidence results still persist
// their extraction annotation: a bid document that yielded no rows is a
// signal worth keeping, not a non-event. Text-extraction failures count as
// record errors without failing the record; only store errors propagate.
func (r *Runner) reconstructDocument(ctx context.Context, recordID string, doc tender.DownloadedDocument, tally *counters) error {
	if r.doctext == nil {
		return nil
	}
	text, supported, err := r.doctext.Text(doc)
	if err != nil {
		tally.errors.Add(1)
		r.logger.Warn("document text not extracted",
			zap.String("url", doc.RemoteURL),
			zap.String("path", doc.LocalPath),
			zap.Error(err),
		)
		return nil
	}
	if !supported {
		return nil
	}
	table := r.bids.Reconstruct(text)
	// Sibling documents on one record must not replace each other's rows,
	// so each gets its own source label. Re-downloads of the same document
	// still coalesce.
	source := r.cfg.DocBidSource
	if doc.DeclaredName != "" {
		source = source + ":" + doc.DeclaredName
	}
	if err := r.store.InsertBidRows(ctx, recordID, source, table); err != nil {
		return err
	}
	if len(table.Rows) > 0 {
		tally.bidRows.Add(int64(len(table.Rows)))
		metrics.ObserveBidRows(len(table.Rows))
	}
	return nil
}
