package frontier

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procwatch/tender-crawler/internal/browser"
	"github.com/procwatch/tender-crawler/internal/classify"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// SessionSource hands out browser sessions; satisfied by *browser.Pool.
type SessionSource interface {
	Acquire(ctx context.Context) (browser.Session, error)
	Release(session browser.Session)
}

// PortalConfig describes the portal's listing UI shape.
type PortalConfig struct {
	BaseURL string
	// ListingPath is the category listing path, e.g. "/tenders?category=%s".
	ListingPath string
	// YearSelector is the archive-year <select>; empty disables partition
	// selection.
	YearSelector string
	// PageSizeSelector and PageSizeValue negotiate a larger page when the
	// source supports it. Best effort.
	PageSizeSelector string
	PageSizeValue    string
	// RowSelector matches detail links on a listing page.
	RowSelector string
	// NextSelector is the pagination next control.
	NextSelector string
	Limits       Limits
}

func (c *PortalConfig) fillDefaults() {
	if c.RowSelector == "" {
		c.RowSelector = "table.results a.detail-link"
	}
	if c.NextSelector == "" {
		c.NextSelector = "a.pagination-next:not(.disabled)"
	}
	c.Limits.fillDefaults()
}

// PortalFrontier drives pagination and archive-year selection on the
// portal's JavaScript-rendered listing pages.
type PortalFrontier struct {
	cfg      PortalConfig
	sessions SessionSource
	logger   *zap.Logger
}

// NewPortal builds a portal frontier over the given session source.
func NewPortal(cfg PortalConfig, sessions SessionSource, logger *zap.Logger) *PortalFrontier {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortalFrontier{cfg: cfg, sessions: sessions, logger: logger}
}

// Enumerate implements tender.Frontier. The ref channel closes when the
// traversal ends; the error channel then carries at most one terminal error.
func (f *PortalFrontier) Enumerate(ctx context.Context, target tender.CrawlTarget) (<-chan tender.RecordRef, <-chan error) {
	refs := make(chan tender.RecordRef)
	errs := make(chan error, 1)
	go func() {
		defer close(refs)
		defer close(errs)
		if err := f.run(ctx, target, refs); err != nil {
			errs <- err
		}
	}()
	return refs, errs
}

func (f *PortalFrontier) run(ctx context.Context, target tender.CrawlTarget, out chan<- tender.RecordRef) error {
	session, err := f.sessions.Acquire(ctx)
	if err != nil {
		return eris.Wrap(err, "frontier session")
	}
	defer f.sessions.Release(session)

	listingURL := f.cfg.BaseURL + fmt.Sprintf(f.cfg.ListingPath, url.QueryEscape(target.Category))
	if err := session.Navigate(ctx, listingURL); err != nil {
		return eris.Wrapf(err, "open listing %s", listingURL)
	}

	if err := f.selectPartition(ctx, session, target); err != nil {
		return err
	}
	f.negotiatePageSize(ctx, session)

	seen := &tracker{}
	consecutiveEmpty := 0
	for pageNum := 1; pageNum <= f.cfg.Limits.MaxPages; pageNum++ {
		html, err := session.HTML(ctx)
		if err != nil {
			return eris.Wrapf(err, "read listing page %d", pageNum)
		}
		newRefs, err := f.parseListing(html, listingURL, seen)
		if err != nil {
			return eris.Wrapf(err, "parse listing page %d", pageNum)
		}
		for _, ref := range newRefs {
			if !emit(ctx.Done(), out, ref) {
				return ctx.Err()
			}
		}

		if len(newRefs) == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= f.cfg.Limits.EmptyPageStop {
				f.logger.Info("stopping on consecutive empty pages",
					zap.Int("page", pageNum),
					zap.Int("empty_pages", consecutiveEmpty),
				)
				return nil
			}
		} else {
			consecutiveEmpty = 0
		}

		if err := session.Click(ctx, f.cfg.NextSelector); err != nil {
			// No next control means the traversal is done.
			f.logger.Debug("pagination ended", zap.Int("pages", pageNum), zap.Error(err))
			return nil
		}
	}
	f.logger.Warn("max pages reached", zap.Int("max_pages", f.cfg.Limits.MaxPages))
	return nil
}

// selectPartition picks the archive-year partition before pagination starts.
// Failure is terminal: silently falling through to the default partition
// would mix years' data.
func (f *PortalFrontier) selectPartition(ctx context.Context, session browser.Session, target tender.CrawlTarget) error {
	if target.Year == 0 || f.cfg.YearSelector == "" {
		return nil
	}
	if err := session.SelectValue(ctx, f.cfg.YearSelector, strconv.Itoa(target.Year)); err != nil {
		return eris.Wrapf(tender.ErrPartitionSelect, "year %d: %v", target.Year, err)
	}
	return nil
}

// negotiatePageSize requests a larger page when the source supports it.
// Best effort: on failure enumeration continues at the default page size.
func (f *PortalFrontier) negotiatePageSize(ctx context.Context, session browser.Session) {
	if f.cfg.PageSizeSelector == "" || f.cfg.PageSizeValue == "" {
		return
	}
	if err := session.SelectValue(ctx, f.cfg.PageSizeSelector, f.cfg.PageSizeValue); err != nil {
		f.logger.Warn("page size negotiation failed, using default", zap.Error(err))
	}
}

// parseListing extracts the new detail refs from one rendered listing page.
func (f *PortalFrontier) parseListing(html, baseURL string, seen *tracker) ([]tender.RecordRef, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "parse listing html")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "parse base url %s", baseURL)
	}

	var refs []tender.RecordRef
	doc.Find(f.cfg.RowSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		detail := href
		if parsed, err := url.Parse(href); err == nil {
			detail = base.ResolveReference(parsed).String()
		}
		id := tender.RefID(sel.AttrOr("data-ref", ""), detail)
		if !seen.markIfNew(id) {
			return
		}
		ref := tender.RecordRef{ID: id, DetailURL: detail}
		if raw := sel.AttrOr("data-updated", ""); raw != "" {
			if t, err := classify.ParseDate(raw, time.UTC); err == nil {
				ref.SourceUpdated = t
			}
		}
		refs = append(refs, ref)
	})
	return refs, nil
}
