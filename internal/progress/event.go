// Package progress streams run milestones to pluggable sinks without ever
// blocking the harvest pipeline.
package progress

import (
	"time"

	"github.com/rotisserie/eris"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRecordDone  Stage = "RECORD_DONE"
	StageRecordError Stage = "RECORD_ERROR"
	StageRecordSkip  Stage = "RECORD_SKIP"
	StageDocDone     Stage = "DOC_DONE"
	StageRunDone     Stage = "RUN_DONE"
)

// Event captures one harvest milestone.
type Event struct {
	// RunID identifies the ledger entry this event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the milestone kind.
	Stage Stage
	// RefID scopes record-level events to one discovered ref.
	RefID string
	// URL is the optional page or document URL.
	URL string
	// Bytes carries the payload size for document events.
	Bytes int64
	// Dur captures per-record or per-run latency.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate rejects events a sink could not attribute to a run.
func (e Event) Validate() error {
	if e.RunID == "" {
		return eris.New("progress event requires a run id")
	}
	if e.Stage == "" {
		return eris.New("progress event requires a stage")
	}
	return nil
}
