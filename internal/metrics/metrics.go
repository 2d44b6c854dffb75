// Package metrics exposes Prometheus collectors for the harvesting pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	extractionAttemptsTotal *prometheus.CounterVec
	fieldSuccessRate        *prometheus.GaugeVec
	runsTotal               *prometheus.CounterVec
	documentsTotal          *prometheus.CounterVec
	bidRowsTotal            prometheus.Counter
	activeWorkers           prometheus.Gauge

	once sync.Once
)

// Init registers the collectors on the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		extractionAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tender_extraction_attempts_total",
				Help: "Field extraction attempts, labeled by field and outcome.",
			},
			[]string{"field", "outcome"},
		)

		fieldSuccessRate = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tender_field_success_rate",
				Help: "Per-field extraction success rate over the current run.",
			},
			[]string{"field"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tender_runs_total",
				Help: "Harvest runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tender_documents_total",
				Help: "Document download attempts, labeled by validation status.",
			},
			[]string{"status"},
		)

		bidRowsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tender_bid_rows_total",
				Help: "Total reconstructed bid table rows.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tender_active_workers",
				Help: "Number of workers currently processing a record.",
			},
		)
	})
}

// ObserveExtraction records one field extraction outcome.
func ObserveExtraction(field string, success bool) {
	if extractionAttemptsTotal == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	extractionAttemptsTotal.WithLabelValues(field, outcome).Inc()
}

// SetFieldSuccessRate publishes the per-field success rate gauge.
func SetFieldSuccessRate(field string, rate float64) {
	if fieldSuccessRate == nil {
		return
	}
	fieldSuccessRate.WithLabelValues(field).Set(rate)
}

// ObserveRun counts one terminal run status.
func ObserveRun(status string) {
	if runsTotal == nil {
		return
	}
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveDocument counts one download attempt outcome.
func ObserveDocument(status string) {
	if documentsTotal == nil {
		return
	}
	documentsTotal.WithLabelValues(status).Inc()
}

// ObserveBidRows counts reconstructed rows.
func ObserveBidRows(n int) {
	if bidRowsTotal == nil || n <= 0 {
		return
	}
	bidRowsTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}
