package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for the diagnosis engine.
type Metrics struct {
	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	CellsProcessed     *prometheus.CounterVec
	CellAttempts       prometheus.Counter
	ProviderLatency    *prometheus.HistogramVec
	DeadLetters        prometheus.Counter
	ReportStubs        prometheus.Counter
}

// New registers the engine's collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brandlens_executions_started_total",
			Help: "Diagnosis executions accepted by the dispatcher.",
		}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brandlens_executions_finished_total",
			Help: "Diagnosis executions by terminal state.",
		}, []string{"state"}),
		CellsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brandlens_cells_processed_total",
			Help: "Matrix cells by provider and outcome.",
		}, []string{"provider", "outcome"}),
		CellAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brandlens_cell_attempts_total",
			Help: "Provider invocation attempts including retries.",
		}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brandlens_provider_latency_seconds",
			Help:    "Latency of provider invocations.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brandlens_dead_letters_total",
			Help: "Entries recorded in the dead letter queue.",
		}),
		ReportStubs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brandlens_report_stubs_total",
			Help: "Degraded report stubs built for non-completed executions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ExecutionsStarted,
			m.ExecutionsFinished,
			m.CellsProcessed,
			m.CellAttempts,
			m.ProviderLatency,
			m.DeadLetters,
			m.ReportStubs,
		)
	}
	return m
}

// ObserveProviderCall records one adapter invocation.
func (m *Metrics) ObserveProviderCall(providerName string, started time.Time) {
	if m == nil {
		return
	}
	m.CellAttempts.Inc()
	m.ProviderLatency.WithLabelValues(providerName).Observe(time.Since(started).Seconds())
}

// RecordCell records the final outcome of one cell.
func (m *Metrics) RecordCell(providerName, outcome string) {
	if m == nil {
		return
	}
	m.CellsProcessed.WithLabelValues(providerName, outcome).Inc()
}

// RecordFinished records a terminal state.
func (m *Metrics) RecordFinished(state string) {
	if m == nil {
		return
	}
	m.ExecutionsFinished.WithLabelValues(state).Inc()
}

// RecordStarted records an accepted execution.
func (m *Metrics) RecordStarted() {
	if m == nil {
		return
	}
	m.ExecutionsStarted.Inc()
}

// RecordDeadLetter records a new dead letter entry.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
}

// RecordStub records a built report stub.
func (m *Metrics) RecordStub() {
	if m == nil {
		return
	}
	m.ReportStubs.Inc()
}
