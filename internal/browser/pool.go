// Package browser manages a fixed-size pool of reusable headless-browser
// sessions. Workers acquire a session for their lifetime and must release it
// unconditionally, even after an error, so a single failed page never leaks
// a slot.
package browser

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrAcquireTimeout is returned when no session frees up within the acquire
// timeout. Callers count it as a transient failure; Acquire never hangs.
var ErrAcquireTimeout = eris.New("session acquire timed out")

// Session is one reusable page-rendering session. Implementations are not
// safe for concurrent use; the pool hands each one to a single worker at a
// time.
type Session interface {
	// Navigate loads the URL and waits for the page's idle condition, with
	// a bounded fallback when the idle signal never fires.
	Navigate(ctx context.Context, url string) error
	// HTML returns the rendered DOM.
	HTML(ctx context.Context) (string, error)
	// Click dispatches a click on the first node matching the selector and
	// waits for the page to settle again.
	Click(ctx context.Context, selector string) error
	// SelectValue sets a <select> element to the given value.
	SelectValue(ctx context.Context, selector, value string) error
	// Location returns the current page URL.
	Location(ctx context.Context) (string, error)
	Close() error
}

// Factory creates one pre-warmed session.
type Factory func(ctx context.Context) (Session, error)

// Config controls pool behavior.
type Config struct {
	Capacity       int
	AcquireTimeout time.Duration
}

// Pool is a fixed-capacity session pool with blocking acquire.
type Pool struct {
	cfg    Config
	free   chan Session
	all    []Session
	logger *zap.Logger
}

// NewPool constructs the pool and pre-warms all sessions up front so the
// startup cost is paid once, not per record.
func NewPool(ctx context.Context, cfg Config, factory Factory, logger *zap.Logger) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, eris.New("pool capacity must be > 0")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		free:   make(chan Session, cfg.Capacity),
		logger: logger,
	}
	for i := 0; i < cfg.Capacity; i++ {
		session, err := factory(ctx)
		if err != nil {
			p.Close()
			return nil, eris.Wrapf(err, "warm session %d", i)
		}
		p.all = append(p.all, session)
		p.free <- session
	}
	logger.Info("session pool ready", zap.Int("capacity", cfg.Capacity))
	return p, nil
}

// Acquire blocks until a session frees up, the configured timeout elapses,
// or the context is canceled.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case session := <-p.free:
		return session, nil
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "acquire canceled")
	}
}

// Release returns a session to the pool. Always succeeds; callers defer it
// regardless of how their work ended.
func (p *Pool) Release(session Session) {
	if session == nil {
		return
	}
	select {
	case p.free <- session:
	default:
		// Double release; drop rather than block.
		p.logger.Warn("session released into a full pool")
	}
}

// Close tears down every session created by the pool.
func (p *Pool) Close() {
	for _, session := range p.all {
		if err := session.Close(); err != nil {
			p.logger.Warn("session close failed", zap.Error(err))
		}
	}
}
