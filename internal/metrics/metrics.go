// Package metrics exposes Prometheus collectors for the scheduler and router.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pmbot.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Scheduler metrics
	ModuleTransitions *prometheus.CounterVec
	ModuleRetries     prometheus.Counter
	TasksInFlight     prometheus.Gauge
	TaskOutcomes      *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	ProjectProgress   *prometheus.GaugeVec

	// Router metrics
	BackendCalls   *prometheus.CounterVec
	BackendLatency *prometheus.HistogramVec
	BackendLoad    *prometheus.GaugeVec
}

// New creates a Metrics instance with all metrics registered on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		ModuleTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmbot_module_transitions_total",
				Help: "Total number of module status transitions",
			},
			[]string{"status"},
		),
		ModuleRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pmbot_module_retries_total",
				Help: "Total number of module retries scheduled",
			},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pmbot_tasks_in_flight",
				Help: "Number of agent tasks currently executing",
			},
		),
		TaskOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmbot_task_outcomes_total",
				Help: "Total number of finished agent tasks by outcome",
			},
			[]string{"role", "outcome"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pmbot_task_duration_seconds",
				Help:    "Agent task duration in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"role"},
		),
		ProjectProgress: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pmbot_project_progress_ratio",
				Help: "Completed effort weight over total weight",
			},
			[]string{"project"},
		),
		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmbot_backend_calls_total",
				Help: "Total number of backend dispatch decisions by outcome",
			},
			[]string{"backend", "outcome"},
		),
		BackendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pmbot_backend_latency_seconds",
				Help:    "Backend call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"backend"},
		),
		BackendLoad: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pmbot_backend_load",
				Help: "Concurrent executions per backend",
			},
			[]string{"backend"},
		),
	}
}

// ModuleTransition records a module entering status.
func (m *Metrics) ModuleTransition(status string) {
	if m == nil {
		return
	}
	m.ModuleTransitions.WithLabelValues(status).Inc()
}

// ModuleRetry records a module being scheduled for another attempt.
func (m *Metrics) ModuleRetry() {
	if m == nil {
		return
	}
	m.ModuleRetries.Inc()
}

// SetInFlight records the number of executing tasks.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.TasksInFlight.Set(float64(n))
}

// TaskFinished records a finished task.
func (m *Metrics) TaskFinished(role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(role, outcome).Inc()
	m.TaskDuration.WithLabelValues(role).Observe(d.Seconds())
}

// SetProgress records a project's progress ratio.
func (m *Metrics) SetProgress(projectID string, progress float64) {
	if m == nil {
		return
	}
	m.ProjectProgress.WithLabelValues(projectID).Set(progress)
}

// BackendCall records a dispatch decision for a backend. outcome is one of
// success, failure or skipped.
func (m *Metrics) BackendCall(backend, outcome string) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(backend, outcome).Inc()
}

// BackendObserve records the latency of a backend call.
func (m *Metrics) BackendObserve(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendLatency.WithLabelValues(backend).Observe(d.Seconds())
}

// SetBackendLoad records the current load of a backend.
func (m *Metrics) SetBackendLoad(backend string, load int) {
	if m == nil {
		return
	}
	m.BackendLoad.WithLabelValues(backend).Set(float64(load))
}
