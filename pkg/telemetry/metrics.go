package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for progresso runs.
// A nil *Metrics, or one created with metrics disabled, is a valid no-op collector.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Entry metrics
	entriesProcessed *prometheus.CounterVec
	entryDuration    *prometheus.HistogramVec

	// Controller metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Gate metrics
	gateWaits        *prometheus.CounterVec
	gateWaitDuration *prometheus.HistogramVec
	cpuSample        prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a run in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		entriesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_processed_total",
				Help:      "Total number of target entries processed",
			},
			[]string{"action", "outcome"},
		),
		entryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "entry_duration_seconds",
				Help:      "Duration of target entry processing in seconds, gate wait included",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_calls_total",
				Help:      "Total number of service controller calls",
			},
			[]string{"backend", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "controller_call_duration_seconds",
				Help:      "Duration of service controller calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_errors_total",
				Help:      "Total number of failed service controller calls",
			},
			[]string{"backend", "operation"},
		),

		gateWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_waits_total",
				Help:      "Total number of CPU gate waits by outcome",
			},
			[]string{"outcome"},
		),
		gateWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_wait_duration_seconds",
				Help:      "Time spent waiting for CPU to settle in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		cpuSample: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cpu_utilization_percent",
				Help:      "Last CPU utilization sample taken by the gate",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.entriesProcessed,
		m.entryDuration,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.gateWaits,
		m.gateWaitDuration,
		m.cpuSample,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its outcome and duration.
func (m *Metrics) RecordRunCompleted(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Entry Metrics

// RecordEntry records one processed target entry.
func (m *Metrics) RecordEntry(action, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.entriesProcessed.WithLabelValues(action, outcome).Inc()
	if duration > 0 {
		m.entryDuration.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// Controller Metrics

// RecordAdapterCall records a service controller call. err is counted when non-nil.
func (m *Metrics) RecordAdapterCall(backend, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.adapterCalls.WithLabelValues(backend, operation).Inc()
	m.adapterDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		m.adapterErrors.WithLabelValues(backend, operation).Inc()
	}
}

// Gate Metrics

// RecordGateWait records a finished gate wait.
func (m *Metrics) RecordGateWait(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.gateWaits.WithLabelValues(outcome).Inc()
	m.gateWaitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetCPUSample records the latest CPU sample.
func (m *Metrics) SetCPUSample(percent float64) {
	if !m.enabled() {
		return
	}
	m.cpuSample.Set(percent)
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes all metrics to the configured textfile path.
// It is a no-op when metrics are disabled or no path is configured.
func (m *Metrics) WriteTextfile() error {
	if !m.enabled() || m.config.TextfilePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.TextfilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
