// Package docfetch downloads gated binary documents from the source. It
// authenticates once per session lifetime, persists cookie state between
// runs, and classifies every download attempt into a terminal validation
// status instead of trusting HTTP status codes.
package docfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/procwatch/tender-crawler/internal/classify"
	"github.com/procwatch/tender-crawler/internal/metrics"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// Config wires one fetcher instance.
type Config struct {
	BaseURL   string
	LoginPath string
	Username  string
	Password  string
	// StateFile persists cookies between runs; empty disables persistence.
	StateFile string
	// SessionTTL bounds how long persisted state is trusted. Zero means 4h.
	SessionTTL time.Duration
	// DownloadDir receives fetched files, one subdirectory per record.
	DownloadDir string
	// MinBytes is the size floor under which a body cannot be a real
	// document. Zero means 512.
	MinBytes          int
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

func (c *Config) fillDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 4 * time.Hour
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 512
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
}

// Fetcher downloads and validates documents over an authenticated HTTP
// session. Concurrent Download calls are safe: resty and the cookie jar
// are goroutine-safe and the limiter serializes request pacing.
type Fetcher struct {
	cfg     Config
	client  *resty.Client
	jar     *cookiejar.Jar
	limiter *rate.Limiter
	hasher  tender.Hasher
	clock   tender.Clock
	logger  *zap.Logger
}

// New builds a Fetcher. The returned instance has no session yet; call
// EnsureSession before Download.
func New(cfg Config, hasher tender.Hasher, clock tender.Clock, logger *zap.Logger) (*Fetcher, error) {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "cookie jar")
	}
	backoff := defaultBackoff()
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetCookieJar(jar).
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetRetryCount(2).
		AddRetryCondition(retryable).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			return backoff.wait(resp.Request.Attempt), nil
		})
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		jar:     jar,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		hasher:  hasher,
		clock:   clock,
		logger:  logger,
	}, nil
}

// EnsureSession restores a persisted unexpired session or performs a fresh
// login. It is cheap to call repeatedly; only the first call after expiry
// touches the network.
func (f *Fetcher) EnsureSession(ctx context.Context) error {
	if f.cfg.StateFile != "" {
		state, err := loadSessionState(f.cfg.StateFile)
		if err != nil {
			f.logger.Warn("discarding unreadable session state", zap.Error(err))
		} else if state != nil && !state.expired(f.cfg.SessionTTL, f.clock.Now()) {
			u, err := cookieURL(f.cfg.BaseURL)
			if err != nil {
				return err
			}
			f.jar.SetCookies(u, state.httpCookies())
			f.logger.Debug("reusing persisted session",
				zap.Time("created_at", state.CreatedAt),
			)
			return nil
		}
	}
	return f.login(ctx)
}

// login performs the interactive form login: fetch the login page, carry
// over its hidden inputs, post credentials, and verify the response is no
// longer a login page.
func (f *Fetcher) login(ctx context.Context) error {
	resp, err := f.client.R().SetContext(ctx).Get(f.cfg.LoginPath)
	if err != nil {
		return eris.Wrap(err, "fetch login page")
	}

	form := map[string]string{
		"username": f.cfg.Username,
		"password": f.cfg.Password,
	}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String())); err == nil {
		doc.Find(`form input[type="hidden"]`).Each(func(_ int, sel *goquery.Selection) {
			name, ok := sel.Attr("name")
			if !ok || name == "" {
				return
			}
			form[name] = sel.AttrOr("value", "")
		})
	}

	resp, err = f.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(f.cfg.LoginPath)
	if err != nil {
		return eris.Wrap(err, "post login form")
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusFound {
		return eris.Wrapf(tender.ErrLoginRejected, "status %d", resp.StatusCode())
	}
	if classify.IsLoginPage(resp.Body()) {
		return eris.Wrap(tender.ErrLoginRejected, "login form echoed back")
	}

	if f.cfg.StateFile != "" {
		u, err := cookieURL(f.cfg.BaseURL)
		if err != nil {
			return err
		}
		state := stateFromCookies(f.jar.Cookies(u), f.clock.Now())
		if err := saveSessionState(f.cfg.StateFile, state); err != nil {
			f.logger.Warn("session state not persisted", zap.Error(err))
		}
	}
	f.logger.Info("authenticated", zap.String("user", f.cfg.Username))
	return nil
}

// Download fetches one document and classifies the outcome. A classified
// failure (timeout, bad status, login page, type mismatch) is reported in
// the returned document's Status, not as an error; the error return is
// reserved for local faults such as an unwritable download directory.
func (f *Fetcher) Download(ctx context.Context, ref tender.DocumentRef) (tender.DownloadedDocument, error) {
	doc := tender.DownloadedDocument{
		DocumentRef: ref,
		FetchedAt:   f.clock.Now(),
	}

	if err := f.limiter.Wait(ctx); err != nil {
		doc.Status = tender.ValidationTimeout
		return doc, nil
	}
	resp, err := f.client.R().SetContext(ctx).Get(ref.RemoteURL)
	if err != nil {
		if isTimeout(err) {
			doc.Status = tender.ValidationTimeout
		} else {
			doc.Status = tender.ValidationHTTPError
		}
		metrics.ObserveDocument(string(doc.Status))
		f.logger.Warn("document fetch failed",
			zap.String("url", ref.RemoteURL),
			zap.String("status", string(doc.Status)),
			zap.Error(err),
		)
		return doc, nil
	}
	if resp.StatusCode() != http.StatusOK {
		doc.Status = tender.ValidationHTTPError
		metrics.ObserveDocument(string(doc.Status))
		f.logger.Warn("document fetch non-200",
			zap.String("url", ref.RemoteURL),
			zap.Int("http_status", resp.StatusCode()),
		)
		return doc, nil
	}

	body := resp.Body()
	doc.ByteSize = int64(len(body))
	doc.Status = classify.ValidateDocument(body, ref.DeclaredName, f.cfg.MinBytes)
	metrics.ObserveDocument(string(doc.Status))

	switch doc.Status {
	case tender.ValidationLoginPage:
		f.logger.Warn("download answered with login page; session likely expired",
			zap.String("url", ref.RemoteURL),
		)
		return doc, nil
	case tender.ValidationHTTPError:
		return doc, nil
	}

	// Valid and type-mismatched files are both kept; a mismatch is often a
	// benign container difference worth operator review, not discarding.
	path, err := f.persist(ref, body)
	if err != nil {
		return doc, err
	}
	doc.LocalPath = path
	if hash, err := f.hasher.Hash(body); err == nil {
		doc.ContentHash = hash
	}
	if doc.Status == tender.ValidationTypeMismatch {
		f.logger.Warn("file signature contradicts declared name",
			zap.String("url", ref.RemoteURL),
			zap.String("declared", ref.DeclaredName),
			zap.String("sniffed", classify.SniffExtension(body)),
		)
	}
	return doc, nil
}

func (f *Fetcher) persist(ref tender.DocumentRef, body []byte) (string, error) {
	dir := filepath.Join(f.cfg.DownloadDir, sanitizeComponent(ref.RecordID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "create download dir %s", dir)
	}
	name := sanitizeComponent(ref.DeclaredName)
	if name == "" {
		name = "document.bin"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", eris.Wrapf(err, "write document %s", path)
	}
	return path, nil
}

// sanitizeComponent strips path separators and traversal sequences so a
// hostile declared name cannot escape the download directory.
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, "\\", "/")
	s = filepath.Base(filepath.Clean("/" + s))
	if s == "/" || s == "." {
		return ""
	}
	return s
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
