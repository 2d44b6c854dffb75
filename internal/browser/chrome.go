package browser

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ChromeConfig controls the chromedp-backed sessions.
type ChromeConfig struct {
	Headless    bool
	UserAgent   string
	NavTimeout  time.Duration
	IdleTimeout time.Duration
	// IdleSettle is the short grace period after the idle signal, letting
	// late DOM mutations land before extraction reads the tree.
	IdleSettle time.Duration
}

func (c *ChromeConfig) fillDefaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.IdleSettle <= 0 {
		c.IdleSettle = 300 * time.Millisecond
	}
}

// Allocator owns the shared Chrome exec allocator behind all sessions.
type Allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    ChromeConfig
	logger *zap.Logger
}

// NewAllocator starts the exec allocator. One allocator backs the whole
// pool; each session gets its own browser tab context from it.
func NewAllocator(ctx context.Context, cfg ChromeConfig, logger *zap.Logger) *Allocator {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &Allocator{ctx: allocCtx, cancel: cancel, cfg: cfg, logger: logger}
}

// Close cancels the allocator and every browser it spawned.
func (a *Allocator) Close() {
	a.cancel()
}

// SessionFactory returns a pool Factory producing chrome sessions.
func (a *Allocator) SessionFactory() Factory {
	return func(ctx context.Context) (Session, error) {
		return newChromeSession(a)
	}
}

// chromeSession is one pooled browser tab.
type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    ChromeConfig
	idle   chan struct{}
	logger *zap.Logger
}

// blockedResources lists subresource types skipped during navigation.
// Dropping them cuts per-page latency without affecting extraction.
var blockedResources = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeStylesheet: true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeMedia:      true,
}

func newChromeSession(a *Allocator) (*chromeSession, error) {
	taskCtx, cancel := chromedp.NewContext(a.ctx)

	s := &chromeSession{
		ctx:    taskCtx,
		cancel: cancel,
		cfg:    a.cfg,
		idle:   make(chan struct{}, 1),
		logger: a.logger,
	}
	s.listen()

	// Pre-warm: start the browser process and enable request interception
	// and lifecycle events once per session.
	warmCtx, warmCancel := context.WithTimeout(taskCtx, a.cfg.NavTimeout)
	defer warmCancel()
	err := chromedp.Run(warmCtx,
		fetch.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		cancel()
		return nil, eris.Wrap(err, "warm chrome session")
	}
	return s, nil
}

// listen wires resource blocking and the network-idle signal.
func (s *chromeSession) listen() {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go s.resolveRequest(e)
		case *page.EventLifecycleEvent:
			if e.Name == "networkIdle" {
				select {
				case s.idle <- struct{}{}:
				default:
				}
			}
		}
	})
}

func (s *chromeSession) resolveRequest(ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(s.ctx)
	ctx := cdp.WithExecutor(s.ctx, c.Target)
	if blockedResources[ev.ResourceType] {
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx); err != nil {
			s.logger.Debug("fail request", zap.Error(err))
		}
		return
	}
	if err := fetch.ContinueRequest(ev.RequestID).Do(ctx); err != nil {
		s.logger.Debug("continue request", zap.Error(err))
	}
}

// drainIdle clears any stale idle signal from a previous navigation.
func (s *chromeSession) drainIdle() {
	select {
	case <-s.idle:
	default:
	}
}

// awaitIdle blocks until the page reports network idle or the bounded
// fallback elapses. The fallback guards against pages that never settle;
// premature extraction is guarded by the idle signal itself.
func (s *chromeSession) awaitIdle(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.IdleTimeout)
	defer timer.Stop()
	select {
	case <-s.idle:
	case <-timer.C:
		s.logger.Debug("idle signal never fired, falling back")
	case <-ctx.Done():
		return ctx.Err()
	}
	settle := time.NewTimer(s.cfg.IdleSettle)
	defer settle.Stop()
	select {
	case <-settle.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate implements Session.
func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := s.bound(ctx)
	defer cancel()

	s.drainIdle()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return eris.Wrapf(err, "navigate %s", url)
	}
	return s.awaitIdle(navCtx)
}

// HTML implements Session.
func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	htmlCtx, cancel := s.bound(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(htmlCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", eris.Wrap(err, "read outer html")
	}
	return html, nil
}

// Click implements Session.
func (s *chromeSession) Click(ctx context.Context, selector string) error {
	clickCtx, cancel := s.bound(ctx)
	defer cancel()

	s.drainIdle()
	if err := chromedp.Run(clickCtx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return eris.Wrapf(err, "click %q", selector)
	}
	return s.awaitIdle(clickCtx)
}

// SelectValue implements Session.
func (s *chromeSession) SelectValue(ctx context.Context, selector, value string) error {
	selCtx, cancel := s.bound(ctx)
	defer cancel()

	s.drainIdle()
	err := chromedp.Run(selCtx,
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(
			`document.querySelector(`+jsString(selector)+`).dispatchEvent(new Event("change", {bubbles: true}))`,
			nil,
		),
	)
	if err != nil {
		return eris.Wrapf(err, "select %q on %q", value, selector)
	}
	return s.awaitIdle(selCtx)
}

// Location implements Session.
func (s *chromeSession) Location(ctx context.Context) (string, error) {
	locCtx, cancel := s.bound(ctx)
	defer cancel()

	var url string
	if err := chromedp.Run(locCtx, chromedp.Location(&url)); err != nil {
		return "", eris.Wrap(err, "read location")
	}
	return url, nil
}

// Close implements Session.
func (s *chromeSession) Close() error {
	s.cancel()
	return nil
}

func (s *chromeSession) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	// Session lifetime and caller deadline both apply.
	merged, cancel := context.WithTimeout(s.ctx, s.cfg.NavTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// jsString quotes a selector for embedding in an Evaluate expression.
func jsString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			out = append(out, '\\', c)
		default:
			out = append(out, c)
		}
	}
	return string(append(out, '"'))
}
