package extract

import (
	"time"

	"go.uber.org/zap"

	"github.com/procwatch/tender-crawler/internal/metrics"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// FieldSpec configures one logical field: its ordered fallback chain, an
// optional normalizer and whether a drop in its success rate should raise a
// structural-drift warning.
type FieldSpec struct {
	Name       string
	Critical   bool
	Strategies []Strategy
	Normalize  func(string) string
}

// Extractor resolves fields against pages and aggregates per-field success
// counters. One instance is shared by all workers of a run; the counters are
// process-scoped state owned here, not package globals.
type Extractor struct {
	fields []FieldSpec
	byName map[string]*FieldSpec
	stats  *Stats
	logger *zap.Logger
}

// New builds an Extractor over the given field table.
func New(fields []FieldSpec, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]*FieldSpec, len(fields))
	for i := range fields {
		byName[fields[i].Name] = &fields[i]
	}
	return &Extractor{
		fields: fields,
		byName: byName,
		stats:  NewStats(),
		logger: logger,
	}
}

// Stats exposes the shared counter handle.
func (e *Extractor) Stats() *Stats {
	return e.stats
}

// Extract resolves one field. Strategies run in order; the first non-empty
// trimmed result wins. A chain with no winner is not an error: the field is
// simply absent and only the final outcome is counted, never the individual
// strategy misses.
func (e *Extractor) Extract(page *PageContext, fieldName string) (string, bool) {
	spec, ok := e.byName[fieldName]
	if !ok {
		e.logger.Warn("extract called for unconfigured field", zap.String("field", fieldName))
		return "", false
	}
	return e.extract(page, spec)
}

func (e *Extractor) extract(page *PageContext, spec *FieldSpec) (string, bool) {
	for i, strategy := range spec.Strategies {
		value, ok := strategy.Apply(page)
		if !ok {
			continue
		}
		if spec.Normalize != nil {
			value = spec.Normalize(value)
			if value == "" {
				continue
			}
		}
		e.stats.Record(spec.Name, true)
		metrics.ObserveExtraction(spec.Name, true)
		e.logger.Debug("field extracted",
			zap.String("field", spec.Name),
			zap.Int("strategy", i),
		)
		return value, true
	}
	e.stats.Record(spec.Name, false)
	metrics.ObserveExtraction(spec.Name, false)
	return "", false
}

// Record runs the full field table against a page and assembles the
// canonical record. Fields that resolve to nothing are left out of the map.
func (e *Extractor) Record(page *PageContext, id string, now time.Time) tender.ExtractedRecord {
	fields := make(map[string]string, len(e.fields))
	for i := range e.fields {
		if value, ok := e.extract(page, &e.fields[i]); ok {
			fields[e.fields[i].Name] = value
		}
	}
	return tender.ExtractedRecord{
		ID:          id,
		Fields:      fields,
		SourceURL:   page.URL,
		ScrapedAt:   now,
		RawSnapshot: page.Text(),
	}
}

// DriftReport returns warnings for critical fields whose success rate fell
// under threshold, and publishes every field's rate gauge as a side effect.
func (e *Extractor) DriftReport(threshold float64) []tender.DriftWarning {
	var warnings []tender.DriftWarning
	for _, spec := range e.fields {
		success, failure := e.stats.Counts(spec.Name)
		attempts := success + failure
		if attempts == 0 {
			continue
		}
		rate := float64(success) / float64(attempts)
		metrics.SetFieldSuccessRate(spec.Name, rate)
		if spec.Critical && rate < threshold {
			warnings = append(warnings, tender.DriftWarning{
				Field:    spec.Name,
				Attempts: attempts,
				Rate:     rate,
			})
			e.logger.Warn("structural drift suspected",
				zap.String("field", spec.Name),
				zap.Int("attempts", attempts),
				zap.Float64("rate", rate),
				zap.Float64("threshold", threshold),
			)
		}
	}
	return warnings
}
