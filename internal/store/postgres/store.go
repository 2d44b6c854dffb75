// Package postgres persists harvested records, download outcomes, bid
// rows, and the run ledger in Postgres.
//
// It assumes a schema like:
//
//	CREATE TABLE tenders (
//	    id            TEXT PRIMARY KEY,
//	    source_url    TEXT NOT NULL,
//	    fields        JSONB NOT NULL DEFAULT '{}',
//	    raw_snapshot  TEXT NOT NULL DEFAULT '',
//	    scraped_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE documents (
//	    record_id    TEXT NOT NULL REFERENCES tenders(id),
//	    remote_url   TEXT NOT NULL,
//	    declared_name TEXT NOT NULL,
//	    local_path   TEXT NOT NULL,
//	    content_hash TEXT NOT NULL,
//	    byte_size    BIGINT NOT NULL,
//	    status       TEXT NOT NULL,
//	    fetched_at   TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (record_id, remote_url)
//	);
//	CREATE TABLE document_attempts (
//	    record_id     TEXT NOT NULL,
//	    remote_url    TEXT NOT NULL,
//	    declared_name TEXT NOT NULL,
//	    status        TEXT NOT NULL,
//	    byte_size     BIGINT NOT NULL,
//	    local_path    TEXT NOT NULL,
//	    content_hash  TEXT NOT NULL,
//	    fetched_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE bid_rows (
//	    record_id       TEXT NOT NULL,
//	    source          TEXT NOT NULL,
//	    ordinal         INT NOT NULL,
//	    code            TEXT,
//	    name            TEXT,
//	    unit            TEXT,
//	    quantity        DOUBLE PRECISION,
//	    unit_price      DOUBLE PRECISION,
//	    total_excl_tax  DOUBLE PRECISION,
//	    tax_amount      DOUBLE PRECISION,
//	    total_incl_tax  DOUBLE PRECISION,
//	    lot_number      TEXT,
//	    lot_description TEXT
//	);
//	CREATE TABLE bid_extractions (
//	    record_id    TEXT NOT NULL,
//	    source       TEXT NOT NULL,
//	    confidence   DOUBLE PRECISION NOT NULL,
//	    row_count    INT NOT NULL,
//	    extracted_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (record_id, source)
//	);
//	CREATE TABLE runs (
//	    id              TEXT PRIMARY KEY,
//	    started_at      TIMESTAMPTZ NOT NULL,
//	    completed_at    TIMESTAMPTZ,
//	    status          TEXT NOT NULL,
//	    incremental     BOOLEAN NOT NULL,
//	    cutoff          TIMESTAMPTZ,
//	    records_count   INT,
//	    documents_count INT,
//	    bid_rows_count  INT,
//	    error_count     INT,
//	    skipped_count   INT,
//	    error_text      TEXT
//	);
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/procwatch/tender-crawler/internal/tender"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements tender.Store on a pgx pool.
type Store struct {
	pool db
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, eris.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, eris.Wrapf(tender.ErrStoreUnavailable, "connect postgres: %v", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, eris.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRecord writes one extracted record. The JSONB merge keeps existing
// field values when the incoming record omits them: the extractor never
// puts empty values in Fields, so an absent field can never clear a stored
// one.
func (s *Store) UpsertRecord(ctx context.Context, record tender.ExtractedRecord) error {
	if record.ID == "" {
		return eris.New("record id is required")
	}
	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return eris.Wrap(err, "marshal fields")
	}
	const query = `
INSERT INTO tenders (id, source_url, fields, raw_snapshot, scraped_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	fields = tenders.fields || EXCLUDED.fields,
	raw_snapshot = CASE
		WHEN EXCLUDED.raw_snapshot <> '' THEN EXCLUDED.raw_snapshot
		ELSE tenders.raw_snapshot
	END,
	scraped_at = EXCLUDED.scraped_at`
	if _, err := s.pool.Exec(ctx, query,
		record.ID, record.SourceURL, fieldsJSON, record.RawSnapshot, record.ScrapedAt,
	); err != nil {
		return eris.Wrapf(err, "upsert record %s", record.ID)
	}
	return nil
}

// UpsertDocument appends the attempt to the immutable attempt history and,
// when the attempt produced a kept file, upserts the current-document row.
func (s *Store) UpsertDocument(ctx context.Context, doc tender.DownloadedDocument) error {
	if doc.RecordID == "" || doc.RemoteURL == "" {
		return eris.New("document record id and remote url are required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "begin document tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const attemptQuery = `
INSERT INTO document_attempts
	(record_id, remote_url, declared_name, status, byte_size, local_path, content_hash, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.Exec(ctx, attemptQuery,
		doc.RecordID, doc.RemoteURL, doc.DeclaredName, string(doc.Status),
		doc.ByteSize, doc.LocalPath, doc.ContentHash, doc.FetchedAt,
	); err != nil {
		return eris.Wrapf(err, "insert document attempt %s", doc.RemoteURL)
	}

	if doc.LocalPath != "" {
		const docQuery = `
INSERT INTO documents
	(record_id, remote_url, declared_name, status, byte_size, local_path, content_hash, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (record_id, remote_url) DO UPDATE SET
	declared_name = EXCLUDED.declared_name,
	status = EXCLUDED.status,
	byte_size = EXCLUDED.byte_size,
	local_path = EXCLUDED.local_path,
	content_hash = EXCLUDED.content_hash,
	fetched_at = EXCLUDED.fetched_at`
		if _, err := tx.Exec(ctx, docQuery,
			doc.RecordID, doc.RemoteURL, doc.DeclaredName, string(doc.Status),
			doc.ByteSize, doc.LocalPath, doc.ContentHash, doc.FetchedAt,
		); err != nil {
			return eris.Wrapf(err, "upsert document %s", doc.RemoteURL)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "commit document tx")
	}
	return nil
}

// InsertBidRows replaces the reconstructed row set for (record, source) and
// records the extraction confidence alongside it. Low-confidence results
// are stored like any other; the confidence annotation is the signal.
func (s *Store) InsertBidRows(ctx context.Context, recordID, source string, table tender.BidTable) error {
	if recordID == "" {
		return eris.New("record id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "begin bid rows tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM bid_rows WHERE record_id = $1 AND source = $2`,
		recordID, source,
	); err != nil {
		return eris.Wrapf(err, "clear bid rows %s", recordID)
	}

	const rowQuery = `
INSERT INTO bid_rows
	(record_id, source, ordinal, code, name, unit, quantity, unit_price,
	 total_excl_tax, tax_amount, total_incl_tax, lot_number, lot_description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	for _, row := range table.Rows {
		if _, err := tx.Exec(ctx, rowQuery,
			recordID, source, row.Ordinal, row.Code, row.Name, row.Unit,
			row.Quantity, row.UnitPrice, row.TotalExclTax, row.TaxAmount,
			row.TotalInclTax, row.LotNumber, row.LotDescription,
		); err != nil {
			return eris.Wrapf(err, "insert bid row %d", row.Ordinal)
		}
	}

	const extractionQuery = `
INSERT INTO bid_extractions (record_id, source, confidence, row_count, extracted_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (record_id, source) DO UPDATE SET
	confidence = EXCLUDED.confidence,
	row_count = EXCLUDED.row_count,
	extracted_at = EXCLUDED.extracted_at`
	if _, err := tx.Exec(ctx, extractionQuery,
		recordID, source, table.Confidence, len(table.Rows),
	); err != nil {
		return eris.Wrapf(err, "record bid extraction %s", recordID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "commit bid rows tx")
	}
	return nil
}

// RecordRunStart persists a new ledger entry. Ledger failures are fatal:
// without the ledger there is no incremental cutoff.
func (s *Store) RecordRunStart(ctx context.Context, run tender.RunRecord) error {
	const query = `
INSERT INTO runs (id, started_at, status, incremental, cutoff)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query,
		run.ID, run.StartedAt, string(run.Status), run.Incremental, run.Cutoff,
	); err != nil {
		return eris.Wrapf(tender.ErrStoreUnavailable, "record run start: %v", err)
	}
	return nil
}

// RecordRunEnd closes the ledger entry with its terminal status and
// counters.
func (s *Store) RecordRunEnd(ctx context.Context, run tender.RunRecord) error {
	const query = `
UPDATE runs SET
	completed_at = $2,
	status = $3,
	records_count = $4,
	documents_count = $5,
	bid_rows_count = $6,
	error_count = $7,
	skipped_count = $8,
	error_text = $9
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query,
		run.ID, run.CompletedAt, string(run.Status),
		run.Counters.Records, run.Counters.Documents, run.Counters.BidRows,
		run.Counters.Errors, run.Counters.Skipped, run.ErrorText,
	); err != nil {
		return eris.Wrapf(tender.ErrStoreUnavailable, "record run end: %v", err)
	}
	return nil
}

// LastSuccessfulRun returns the completion time of the most recent
// completed run, or the zero time when none exists yet.
func (s *Store) LastSuccessfulRun(ctx context.Context) (time.Time, error) {
	const query = `
SELECT completed_at FROM runs
WHERE status = $1 AND completed_at IS NOT NULL
ORDER BY completed_at DESC
LIMIT 1`
	var completed time.Time
	err := s.pool.QueryRow(ctx, query, string(tender.RunStatusCompleted)).Scan(&completed)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, eris.Wrapf(tender.ErrStoreUnavailable, "last successful run: %v", err)
	}
	return completed, nil
}

// UpdatedAfter consults the stored record's source-updated field. Unknown
// identifiers and records without a parseable timestamp count as updated
// so they are never skipped.
func (s *Store) UpdatedAfter(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	const query = `SELECT coalesce(fields->>'updated_at', '') FROM tenders WHERE id = $1`
	var raw string
	err := s.pool.QueryRow(ctx, query, id).Scan(&raw)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, eris.Wrapf(err, "updated after %s", id)
	}
	updated, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true, nil
	}
	return updated.After(cutoff), nil
}
