// Package frontier enumerates detail-page references from the source's
// listing surfaces: the browser-driven portal UI and the auction
// sub-system's JSON API. Both implementations share the same lazy,
// finite enumeration contract and per-traversal deduplication.
package frontier

import (
	"sync"

	"github.com/procwatch/tender-crawler/internal/tender"
)

// Limits bound one enumeration.
type Limits struct {
	// MaxPages caps pagination outright.
	MaxPages int
	// EmptyPageStop ends the traversal after this many consecutive pages
	// that yielded zero new identifiers; a safety valve against pagination
	// loops.
	EmptyPageStop int
}

func (l *Limits) fillDefaults() {
	if l.MaxPages <= 0 {
		l.MaxPages = 500
	}
	if l.EmptyPageStop <= 0 {
		l.EmptyPageStop = 2
	}
}

// tracker deduplicates identifiers within one traversal.
type tracker struct {
	seen sync.Map
}

// markIfNew stores the ID if unseen and reports whether it was new.
func (t *tracker) markIfNew(id string) bool {
	if id == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(id, struct{}{})
	return !loaded
}

// emit pushes a ref unless the context ended; reports whether to continue.
func emit(done <-chan struct{}, out chan<- tender.RecordRef, ref tender.RecordRef) bool {
	select {
	case out <- ref:
		return true
	case <-done:
		return false
	}
}
