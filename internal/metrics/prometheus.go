// Package metrics exposes Prometheus counters for the analysis pipeline and
// the usage ledger.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every metric on its registry.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	// Detection and scoring
	seriesScanned     prometheus.Counter
	malformedSeries   prometheus.Counter
	candidatesEmitted *prometheus.CounterVec
	scoringErrors     prometheus.Counter
	runDuration       prometheus.Histogram

	// Alignment
	familiesFormed prometheus.Counter
	cohortStatus   *prometheus.CounterVec

	// Ledger
	ledgerDecisions *prometheus.CounterVec
	ledgerConflicts prometheus.Counter

	// Aggregation
	writeConflicts    prometheus.Counter
	aggregateDuration prometheus.Histogram
	rowsWritten       *prometheus.CounterVec
}

var (
	mu            sync.RWMutex
	globalManager = NewManager()
)

// NewManager creates a manager on a private registry unless WithRegistry is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "squiggle",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.seriesScanned = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "detect", Name: "series_scanned_total",
		Help: "Metric series scanned for candidate events",
	})
	m.malformedSeries = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "detect", Name: "malformed_series_total",
		Help: "Series rejected as malformed",
	})
	m.candidatesEmitted = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "detect", Name: "candidates_total",
		Help: "Candidate events emitted by direction",
	}, []string{"direction"})
	m.scoringErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "score", Name: "errors_total",
		Help: "Candidates rejected by the scorer",
	})
	m.runDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "pipeline", Name: "run_duration_seconds",
		Help: "Detection and scoring time per run", Buckets: m.histogramBuckets,
	})

	m.familiesFormed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "align", Name: "families_total",
		Help: "Event families formed across seeds",
	})
	m.cohortStatus = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "align", Name: "cohorts_total",
		Help: "Aligned cohorts by status",
	}, []string{"status"})

	m.ledgerDecisions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "ledger", Name: "decisions_total",
		Help: "Ledger decisions by trigger and outcome",
	}, []string{"trigger", "decision"})
	m.ledgerConflicts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "ledger", Name: "version_conflicts_total",
		Help: "Optimistic concurrency conflicts retried by the ledger",
	})

	m.writeConflicts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "aggregate", Name: "lock_conflicts_total",
		Help: "Attempts that found the experiment directory locked",
	})
	m.aggregateDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "aggregate", Name: "write_duration_seconds",
		Help: "Time to validate and write one aggregation pass", Buckets: m.histogramBuckets,
	})
	m.rowsWritten = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "aggregate", Name: "rows_written_total",
		Help: "Rows written per table",
	}, []string{"table"})
}

// Registry returns the registry the manager writes to.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes every metric in the text exposition format, for the
// node exporter textfile collector.
func (m *Manager) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// #region global

// Default returns the global manager.
func Default() *Manager {
	mu.RLock()
	defer mu.RUnlock()
	return globalManager
}

// SetDefault replaces the global manager and returns the previous one.
func SetDefault(m *Manager) *Manager {
	mu.Lock()
	defer mu.Unlock()
	prev := globalManager
	globalManager = m
	return prev
}

// RecordSeriesScanned counts one scanned series.
func RecordSeriesScanned() { Default().seriesScanned.Inc() }

// RecordMalformedSeries counts one rejected series.
func RecordMalformedSeries() { Default().malformedSeries.Inc() }

// RecordCandidate counts one emitted event.
func RecordCandidate(direction string) { Default().candidatesEmitted.WithLabelValues(direction).Inc() }

// RecordScoringError counts one rejected candidate.
func RecordScoringError() { Default().scoringErrors.Inc() }

// RecordRunDuration observes detection and scoring time for one run.
func RecordRunDuration(d time.Duration) { Default().runDuration.Observe(d.Seconds()) }

// RecordFamilies counts formed families.
func RecordFamilies(n int) { Default().familiesFormed.Add(float64(n)) }

// RecordCohort counts one aligned cohort.
func RecordCohort(status string) { Default().cohortStatus.WithLabelValues(status).Inc() }

// RecordLedgerDecision counts one ledger decision.
func RecordLedgerDecision(trigger, decision string) {
	Default().ledgerDecisions.WithLabelValues(trigger, decision).Inc()
}

// RecordLedgerConflict counts one optimistic concurrency conflict.
func RecordLedgerConflict() { Default().ledgerConflicts.Inc() }

// RecordWriteConflict counts one failed lock attempt.
func RecordWriteConflict() { Default().writeConflicts.Inc() }

// RecordAggregateDuration observes one aggregation pass.
func RecordAggregateDuration(d time.Duration) { Default().aggregateDuration.Observe(d.Seconds()) }

// RecordRowsWritten counts rows written to a table.
func RecordRowsWritten(table string, n int) {
	Default().rowsWritten.WithLabelValues(table).Add(float64(n))
}

// #endregion global
