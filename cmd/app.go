package cmd

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procwatch/tender-crawler/internal/alert"
	"github.com/procwatch/tender-crawler/internal/bidtable"
	"github.com/procwatch/tender-crawler/internal/browser"
	"github.com/procwatch/tender-crawler/internal/clock/system"
	"github.com/procwatch/tender-crawler/internal/docfetch"
	"github.com/procwatch/tender-crawler/internal/doctext"
	"github.com/procwatch/tender-crawler/internal/extract"
	"github.com/procwatch/tender-crawler/internal/frontier"
	"github.com/procwatch/tender-crawler/internal/hash/sha256"
	"github.com/procwatch/tender-crawler/internal/id/uuid"
	"github.com/procwatch/tender-crawler/internal/logging"
	"github.com/procwatch/tender-crawler/internal/progress"
	"github.com/procwatch/tender-crawler/internal/scheduler"
	"github.com/procwatch/tender-crawler/internal/snapshot"
	"github.com/procwatch/tender-crawler/internal/store/postgres"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// harness is the assembled application: every collaborator a run needs,
// plus the teardown that releases them.
type harness struct {
	pool      *browser.Pool
	allocator *browser.Allocator
	store     *postgres.Store
	frontier  tender.Frontier
	hub       *progress.Hub
	runner    *scheduler.Runner
}

func (h *harness) close() {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.allocator != nil {
		h.allocator.Close()
	}
	if h.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.hub.Close(ctx); err != nil {
			logger.Warn("progress hub did not drain cleanly", zap.Error(err))
		}
	}
	if h.store != nil {
		h.store.Close()
	}
}

func (f *runFlags) limits() frontier.Limits {
	maxPages := f.maxPages
	if maxPages <= 0 {
		maxPages = cfg.Harvest.MaxPages
	}
	return frontier.Limits{
		MaxPages:      maxPages,
		EmptyPageStop: cfg.Harvest.EmptyPageStop,
	}
}

// buildBrowserPool starts Chrome and pre-warms the session pool.
func buildBrowserPool(ctx context.Context, f *runFlags) (*browser.Allocator, *browser.Pool, error) {
	browserLog := logging.Named(logger, "browser")
	allocator := browser.NewAllocator(ctx, browser.ChromeConfig{
		Headless:   f.headless && cfg.Browser.Headless,
		UserAgent:  cfg.Browser.UserAgent,
		NavTimeout: cfg.NavTimeout(),
	}, browserLog)
	pool, err := browser.NewPool(ctx, browser.Config{
		Capacity:       cfg.Browser.PoolSize,
		AcquireTimeout: time.Duration(cfg.Browser.AcquireTimeoutSec) * time.Second,
	}, allocator.SessionFactory(), browserLog)
	if err != nil {
		allocator.Close()
		return nil, nil, eris.Wrap(err, "build session pool")
	}
	return allocator, pool, nil
}

// buildFrontier picks the enumeration source. The portal frontier drives
// the rendered UI through the session pool; the auction frontier talks to
// the JSON API directly.
func buildFrontier(f *runFlags, pool *browser.Pool) (tender.Frontier, error) {
	switch f.source {
	case "portal":
		return frontier.NewPortal(frontier.PortalConfig{
			BaseURL:          cfg.Portal.BaseURL,
			ListingPath:      cfg.Portal.ListingPath,
			YearSelector:     cfg.Portal.YearSelector,
			PageSizeSelector: cfg.Portal.PageSizeSelector,
			PageSizeValue:    cfg.Portal.PageSizeValue,
			RowSelector:      cfg.Portal.RowSelector,
			NextSelector:     cfg.Portal.NextSelector,
			Limits:           f.limits(),
		}, pool, logging.Named(logger, "frontier")), nil
	case "auction":
		if !cfg.Auction.Enabled {
			return nil, eris.New("auction source requested but auction.enabled is false")
		}
		return frontier.NewAuction(frontier.AuctionConfig{
			BaseURL:           cfg.Auction.BaseURL,
			UserAgent:         cfg.Browser.UserAgent,
			RequestsPerSecond: cfg.Auction.RequestsPerSecond,
			Limits:            f.limits(),
		}, logging.Named(logger, "frontier")), nil
	default:
		return nil, eris.Errorf("unknown source %q: want portal or auction", f.source)
	}
}

// buildHarness assembles the full pipeline. withFrontier is false for
// process-urls, which replays a collected ref file instead of enumerating.
func buildHarness(ctx context.Context, f *runFlags, withFrontier bool) (*harness, error) {
	h := &harness{}
	ok := false
	defer func() {
		if !ok {
			h.close()
		}
	}()

	allocator, pool, err := buildBrowserPool(ctx, f)
	if err != nil {
		return nil, err
	}
	h.allocator, h.pool = allocator, pool

	if withFrontier {
		h.frontier, err = buildFrontier(f, pool)
		if err != nil {
			return nil, err
		}
	}

	h.store, err = postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, err
	}

	fetcher, err := docfetch.New(docfetch.Config{
		BaseURL:           cfg.Portal.BaseURL,
		LoginPath:         cfg.Auth.LoginPath,
		Username:          cfg.Auth.Username,
		Password:          cfg.Auth.Password,
		StateFile:         cfg.Auth.StateFile,
		SessionTTL:        cfg.SessionTTL(),
		DownloadDir:       cfg.Download.Dir,
		MinBytes:          cfg.Download.MinBytes,
		Timeout:           time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Download.RequestsPerSecond,
		UserAgent:         cfg.Browser.UserAgent,
	}, sha256.New(), system.New(), logging.Named(logger, "docfetch"))
	if err != nil {
		return nil, err
	}

	var alerter tender.Alerter
	if cfg.Alert.WebhookURL != "" {
		alerter = alert.NewWebhook(alert.WebhookConfig{URL: cfg.Alert.WebhookURL}, logger)
	} else {
		alerter = alert.NewLogOnly(logger)
	}

	workers := f.workers
	if workers <= 0 {
		workers = cfg.Harvest.Workers
	}
	stagger := cfg.Stagger()
	if f.staggerSec > 0 {
		stagger = time.Duration(f.staggerSec) * time.Second
	}

	h.hub = progress.NewHub(progress.Config{Logger: logger}, progress.NewLogSink(logger))

	archiver, err := snapshot.New(filepath.Join(cfg.Harvest.DataDir, "snapshots"), sha256.New())
	if err != nil {
		return nil, err
	}

	h.runner = scheduler.New(scheduler.Config{
		Workers:         workers,
		Stagger:         stagger,
		Incremental:     f.incremental && !f.full,
		DriftThreshold:  cfg.Harvest.DriftThreshold,
		NavTimeout:      cfg.NavTimeout(),
		DocLinkSelector: cfg.Portal.DocLinkSelector,
	}, scheduler.Deps{
		Store:     h.store,
		Frontier:  h.frontier,
		Sessions:  pool,
		Extractor: extract.New(extract.PortalFields(), logging.Named(logger, "extract")),
		Fetcher:   fetcher,
		Bids:      bidtable.New(bidtable.Config{}, logging.Named(logger, "bidtable")),
		Alerter:   alerter,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Events:    h.hub,
		Snapshots: archiver,
		DocText:   doctext.New(logging.Named(logger, "doctext")),
		Logger:    logging.Named(logger, "scheduler"),
	})
	ok = true
	return h, nil
}
