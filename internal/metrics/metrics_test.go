package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if extractionAttemptsTotal == nil || fieldSuccessRate == nil ||
		runsTotal == nil || documentsTotal == nil || bidRowsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveExtraction("title", true)
	ObserveExtraction("title", false)
	if val := testutil.ToFloat64(extractionAttemptsTotal.WithLabelValues("title", "success")); val != 1 {
		t.Errorf("expected 1 success for title, got %f", val)
	}
	if val := testutil.ToFloat64(extractionAttemptsTotal.WithLabelValues("title", "failure")); val != 1 {
		t.Errorf("expected 1 failure for title, got %f", val)
	}

	SetFieldSuccessRate("title", 0.5)
	if val := testutil.ToFloat64(fieldSuccessRate.WithLabelValues("title")); val != 0.5 {
		t.Errorf("expected rate 0.5, got %f", val)
	}

	ObserveBidRows(3)
	if val := testutil.ToFloat64(bidRowsTotal); val != 3 {
		t.Errorf("expected 3 bid rows, got %f", val)
	}

	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 0 {
		t.Errorf("expected 0 active workers, got %f", val)
	}
}

func TestObserversTolerateMissingInit(t *testing.T) {
	// Package-level guards mean calls before Init are dropped, not panics.
	ObserveRun("completed")
	ObserveDocument("valid")
	ObserveBidRows(0)
}
