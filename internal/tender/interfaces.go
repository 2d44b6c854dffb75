package tender

import (
	"context"
	"time"
)

// Store is the persistence collaborator. All methods must be idempotent
// under retry; UpsertRecord uses coalesce semantics (an absent field never
// clears a previously stored value).
type Store interface {
	UpsertRecord(ctx context.Context, record ExtractedRecord) error
	UpsertDocument(ctx context.Context, doc DownloadedDocument) error
	InsertBidRows(ctx context.Context, recordID, source string, table BidTable) error
	RecordRunStart(ctx context.Context, run RunRecord) error
	RecordRunEnd(ctx context.Context, run RunRecord) error
	LastSuccessfulRun(ctx context.Context) (time.Time, error)
	// UpdatedAfter reports whether the entity behind id changed after cutoff.
	// Unknown identifiers count as updated so new records are never skipped.
	UpdatedAfter(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// Alerter notifies an operator about a failed run. Best effort: callers must
// not let an alerting error mask the failure being reported.
type Alerter interface {
	NotifyFailure(ctx context.Context, runID, summary string) error
}

// Frontier enumerates detail-page references for one crawl target. The ref
// channel closes when enumeration finishes; the error channel then carries
// at most one terminal error.
type Frontier interface {
	Enumerate(ctx context.Context, target CrawlTarget) (<-chan RecordRef, <-chan error)
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for document integrity and deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
