package frontier

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/procwatch/tender-crawler/internal/classify"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// AuctionConfig describes the auction sub-system's JSON API.
type AuctionConfig struct {
	BaseURL   string
	UserAgent string
	// RequestsPerSecond paces API calls. Zero means 2 rps.
	RequestsPerSecond float64
	Timeout           time.Duration
	Limits            Limits
}

func (c *AuctionConfig) fillDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	c.Limits.fillDefaults()
}

// AuctionFrontier enumerates auction records through the underlying JSON
// API instead of the rendered UI; the enumeration contract is identical to
// the portal frontier's.
type AuctionFrontier struct {
	cfg     AuctionConfig
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewAuction builds an API-backed frontier.
func NewAuction(cfg AuctionConfig, logger *zap.Logger) *AuctionFrontier {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &AuctionFrontier{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

// auctionItem is one listing entry as the API serves it.
type auctionItem struct {
	Ref       string `json:"ref"`
	DetailURL string `json:"detail_url"`
	UpdatedAt string `json:"updated_at"`
}

// auctionPage is one page of API results.
type auctionPage struct {
	Items      []auctionItem `json:"items"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
	Year       int           `json:"year"`
	PageSize   int           `json:"page_size"`
}

// Enumerate implements tender.Frontier.
func (f *AuctionFrontier) Enumerate(ctx context.Context, target tender.CrawlTarget) (<-chan tender.RecordRef, <-chan error) {
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

func (f *AuctionFrontier) run(ctx context.Context, target tender.CrawlTarget, out chan<- tender.RecordRef) error {
	seen := &tracker{}
	consecutiveEmpty := 0

	for pageNum := 1; pageNum <= f.cfg.Limits.MaxPages; pageNum++ {
		page, err := f.fetchPage(ctx, target, pageNum)
		if err != nil {
			return err
		}
		// The API echoes the partition it applied. A mismatch on the first
		// page means the year filter was ignored; proceeding would mix
		// years' data.
		if pageNum == 1 && target.Year != 0 && page.Year != target.Year {
			return eris.Wrapf(tender.ErrPartitionSelect,
				"requested year %d, api answered %d", target.Year, page.Year)
		}

		newCount := 0
		for _, item := range page.Items {
			id := tender.RefID(item.Ref, item.DetailURL)
			if !seen.markIfNew(id) {
				continue
			}
			newCount++
			ref := tender.RecordRef{ID: id, DetailURL: item.DetailURL}
			if item.UpdatedAt != "" {
				if t, err := classify.ParseDate(item.UpdatedAt, time.UTC); err == nil {
					ref.SourceUpdated = t
				}
			}
			if !emit(ctx.Done(), out, ref) {
				return ctx.Err()
			}
		}

		if newCount == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= f.cfg.Limits.EmptyPageStop {
				f.logger.Info("stopping on consecutive empty pages", zap.Int("page", pageNum))
				return nil
			}
		} else {
			consecutiveEmpty = 0
		}

		if page.TotalPages > 0 && pageNum >= page.TotalPages {
			return nil
		}
	}
	f.logger.Warn("max pages reached", zap.Int("max_pages", f.cfg.Limits.MaxPages))
	return nil
}

func (f *AuctionFrontier) fetchPage(ctx context.Context, target tender.CrawlTarget, pageNum int) (*auctionPage, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limit wait")
	}

	var page auctionPage
	req := f.client.R().
		SetContext(ctx).
		SetQueryParam("category", target.Category).
		SetQueryParam("page", strconv.Itoa(pageNum)).
		SetResult(&page)
	if target.Year != 0 {
		req.SetQueryParam("year", strconv.Itoa(target.Year))
	}
	if target.PageSize > 0 {
		// Best effort; the API clamps or ignores sizes it does not support.
		req.SetQueryParam("size", strconv.Itoa(target.PageSize))
	}

	resp, err := req.Get("/api/auctions")
	if err != nil {
		return nil, eris.Wrapf(err, "fetch auction page %d", pageNum)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, eris.Errorf("auction api page %d: status %d", pageNum, resp.StatusCode())
	}
	return &page, nil
}
