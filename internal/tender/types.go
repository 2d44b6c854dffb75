// Package tender defines the core types and collaborator interfaces shared
// across the harvesting pipeline: crawl targets, discovered record references,
// extracted records, downloaded documents, bid rows and run bookkeeping.
package tender

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"time"
)

// CrawlTarget describes one listing-page traversal. Constructed per run and
// never mutated afterward.
type CrawlTarget struct {
	Category string
	// Year selects an archive partition. Zero means the current partition.
	Year     int
	PageSize int
}

// RecordRef identifies one detail page discovered on a listing page.
type RecordRef struct {
	ID            string    `json:"id"`
	DetailURL     string    `json:"detail_url"`
	FirstSeenRun  string    `json:"first_seen_run,omitempty"`
	SourceUpdated time.Time `json:"source_updated,omitempty"`
}

// RefID derives a stable identifier for a detail page. The source's own
// reference wins when present; otherwise the canonical URL is hashed so the
// same page always maps to the same identifier across runs.
func RefID(sourceRef, rawURL string) string {
	if sourceRef != "" {
		return sourceRef
	}
	canonical := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		parsed.Fragment = ""
		if parsed.Path == "" {
			parsed.Path = "/"
		}
		canonical = parsed.String()
	}
	sum := sha1.Sum([]byte(canonical))
	return "u-" + hex.EncodeToString(sum[:])[:20]
}

// ExtractedRecord is the canonical output of detail-page extraction. Fields
// holds normalized values keyed by field name; absent fields are simply not
// present in the map, never empty strings. Partial records are valid as long
// as the primary identifier is set.
type ExtractedRecord struct {
	ID          string            `json:"id"`
	Fields      map[string]string `json:"fields"`
	SourceURL   string            `json:"source_url"`
	ScrapedAt   time.Time         `json:"scraped_at"`
	RawSnapshot string            `json:"raw_snapshot,omitempty"`
}

// Field returns the named field value, or "" when absent.
func (r ExtractedRecord) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// ValidationStatus is the terminal classification of one download attempt.
type ValidationStatus string

// Validation outcomes recorded per download attempt.
const (
	ValidationValid        ValidationStatus = "valid"
	ValidationLoginPage    ValidationStatus = "login_page"
	ValidationTypeMismatch ValidationStatus = "type_mismatch"
	ValidationHTTPError    ValidationStatus = "http_error"
	ValidationTimeout      ValidationStatus = "timeout"
)

// Retryable reports whether a later run should attempt the download again.
// Mismatched types are kept, login pages require a fresh session, both are
// final for this attempt; only network-level failures are worth retrying.
func (s ValidationStatus) Retryable() bool {
	return s == ValidationHTTPError || s == ValidationTimeout
}

// DocumentRef points at one remote document attached to a record.
type DocumentRef struct {
	RecordID     string `json:"record_id"`
	RemoteURL    string `json:"remote_url"`
	DeclaredName string `json:"declared_name"`
}

// DownloadedDocument extends DocumentRef with the outcome of one download
// attempt. Status is set exactly once; retries create a new attempt.
type DownloadedDocument struct {
	DocumentRef
	LocalPath   string           `json:"local_path,omitempty"`
	ByteSize    int64            `json:"byte_size"`
	ContentHash string           `json:"content_hash,omitempty"`
	Status      ValidationStatus `json:"status"`
	FetchedAt   time.Time        `json:"fetched_at"`
}

// BidRow is one reconstructed item row from a financial bid table. Numeric
// fields are pointers because each is independently optional; a nil pointer
// means the source text carried no token for that position.
type BidRow struct {
	Code           string   `json:"code,omitempty"`
	Name           string   `json:"name"`
	Unit           string   `json:"unit,omitempty"`
	Quantity       *float64 `json:"quantity,omitempty"`
	UnitPrice      *float64 `json:"unit_price,omitempty"`
	TotalExclTax   *float64 `json:"total_excl_tax,omitempty"`
	TaxAmount      *float64 `json:"tax_amount,omitempty"`
	TotalInclTax   *float64 `json:"total_incl_tax,omitempty"`
	LotNumber      int      `json:"lot_number,omitempty"`
	LotDescription string   `json:"lot_description,omitempty"`
	Ordinal        int      `json:"ordinal"`
}

// Priced reports whether the row carries at least one price token.
func (r BidRow) Priced() bool {
	return r.UnitPrice != nil || r.TotalExclTax != nil || r.TotalInclTax != nil
}

// BidTable is the full reconstruction result for one text body.
type BidTable struct {
	Rows       []BidRow `json:"rows"`
	Confidence float64  `json:"confidence"`
}

// RunStatus is the lifecycle state of one scheduler run.
type RunStatus string

// Run states persisted in the job ledger.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunCounters tracks aggregate outcomes for one run.
type RunCounters struct {
	Records   int `json:"records"`
	Documents int `json:"documents"`
	BidRows   int `json:"bid_rows"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// RunRecord is the ledger entry for one run. It is created when the run
// starts and mutated exactly once when it ends; the most recent completed
// entry is the sole source of the next incremental cutoff.
type RunRecord struct {
	ID          string      `json:"id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	ErrorText   string      `json:"error_text,omitempty"`
	Incremental bool        `json:"incremental"`
	Cutoff      time.Time   `json:"cutoff"`
}

// DriftWarning flags a critical field whose extraction success rate fell
// under the configured threshold during a run.
type DriftWarning struct {
	Field    string  `json:"field"`
	Attempts int     `json:"attempts"`
	Rate     float64 `json:"rate"`
}
