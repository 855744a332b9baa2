package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"edrcore/internal/alert"
)

// Stage labels for StageDuration.
const (
	StageCollect      = "collect"
	StageCanonicalize = "canonicalize"
	StageHeuristic    = "heuristic"
	StageSignature    = "signature"
	StageExport       = "export"
)

// EdrcoreMetrics holds all edrcore-specific metrics. A nil *EdrcoreMetrics
// is valid and records nothing.
type EdrcoreMetrics struct {
	// Counters
	RunsTotal        prometheus.Counter
	RecordsTotal     *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	DiagnosticsTotal *prometheus.CounterVec
	FilesScanned     *prometheus.CounterVec
	WatchEvents      prometheus.Counter

	// Gauges
	RulesLoaded *prometheus.GaugeVec
	LastRunTs   prometheus.Gauge

	// Histograms
	StageDuration    *prometheus.HistogramVec
	FileScanDuration prometheus.Histogram
}

// NewEdrcoreMetrics creates and registers all edrcore metrics.
func NewEdrcoreMetrics(registry *Registry) *EdrcoreMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &EdrcoreMetrics{
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "runs_total",
			Help: "Total number of analysis runs completed.",
		}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "records_total",
			Help: "Canonical records analyzed by kind.",
		}, []string{"kind"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "alerts_total",
			Help: "Alerts emitted by kind and source.",
		}, []string{"kind", "source"}),
		DiagnosticsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "diagnostics_total",
			Help: "Diagnostics emitted by stage.",
		}, []string{"stage"}),
		FilesScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "signature", Name: "files_total",
			Help: "Files handled by the signature scanner by outcome.",
		}, []string{"outcome"}),
		WatchEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "watch", Name: "files_total",
			Help: "Changed files analyzed in watch mode.",
		}),
		RulesLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "rules_loaded",
			Help: "Rules currently loaded by engine.",
		}, []string{"engine"}),
		LastRunTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix timestamp of the last completed run.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: DurationBuckets,
		}, []string{"stage"}),
		FileScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "signature", Name: "file_duration_seconds",
			Help:    "Duration of single-file signature scans in seconds.",
			Buckets: ScanBuckets,
		}),
	}

	registry.reg.MustRegister(
		m.RunsTotal, m.RecordsTotal, m.AlertsTotal, m.DiagnosticsTotal,
		m.FilesScanned, m.WatchEvents, m.RulesLoaded, m.LastRunTs,
		m.StageDuration, m.FileScanDuration,
	)
	return m
}

// StartStageTimer returns a timer that observes the stage duration when
// ObserveDuration is called on it.
func (m *EdrcoreMetrics) StartStageTimer(stage string) *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(m.StageDuration.WithLabelValues(stage))
}

// RecordRecords counts analyzed records of one kind.
func (m *EdrcoreMetrics) RecordRecords(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordAlerts counts alerts by kind and source.
func (m *EdrcoreMetrics) RecordAlerts(alerts []alert.Alert) {
	if m == nil {
		return
	}
	for _, a := range alerts {
		m.AlertsTotal.WithLabelValues(string(a.Kind), string(a.Source)).Inc()
	}
}

// RecordDiagnostics counts diagnostics by stage.
func (m *EdrcoreMetrics) RecordDiagnostics(diags []alert.Diagnostic) {
	if m == nil {
		return
	}
	for _, d := range diags {
		m.DiagnosticsTotal.WithLabelValues(string(d.Stage)).Inc()
	}
}

// RecordFileScan counts one scanned file. outcome is "scanned", "skipped"
// or "error"; a zero duration is not observed.
func (m *EdrcoreMetrics) RecordFileScan(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FilesScanned.WithLabelValues(outcome).Inc()
	if outcome == "scanned" && d > 0 {
		m.FileScanDuration.Observe(d.Seconds())
	}
}

// RecordWatchEvent counts one changed file analyzed in watch mode.
func (m *EdrcoreMetrics) RecordWatchEvent() {
	if m == nil {
		return
	}
	m.WatchEvents.Inc()
}

// SetRulesLoaded sets the rule count for an engine.
func (m *EdrcoreMetrics) SetRulesLoaded(engine string, n int) {
	if m == nil {
		return
	}
	m.RulesLoaded.WithLabelValues(engine).Set(float64(n))
}

// RunFinished counts a completed run.
func (m *EdrcoreMetrics) RunFinished(at time.Time) {
	if m == nil {
		return
	}
	m.RunsTotal.Inc()
	m.LastRunTs.Set(float64(at.Unix()))
}
