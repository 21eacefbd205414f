// Package metrics exposes run and step instrumentation as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowexec"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	circuitOpened *prometheus.CounterVec
	scheduleFires *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total",
			Help: "Runs started, by trigger.",
		}, []string{"trigger"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of finished runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"status"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_finished_total",
			Help: "Step executions by type and outcome.",
		}, []string{"type", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_duration_seconds",
			Help:    "Wall time of step executions, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_retries_total",
			Help: "Step retry attempts.",
		}, []string{"type"}),
		circuitOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_breaker_open_total",
			Help: "Times a step type's circuit breaker opened.",
		}, []string{"type"}),
		scheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "schedule_fires_total",
			Help: "Scheduled job firings by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.runsStarted, m.runsFinished, m.runDuration,
		m.stepsFinished, m.stepDuration, m.stepRetries,
		m.circuitOpened, m.scheduleFires,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (m *Metrics) RunStarted(trigger string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) StepFinished(stepType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsFinished.WithLabelValues(stepType, outcome).Inc()
	m.stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

func (m *Metrics) StepRetried(stepType string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(stepType).Inc()
}

func (m *Metrics) CircuitOpened(stepType string) {
	if m == nil {
		return
	}
	m.circuitOpened.WithLabelValues(stepType).Inc()
}

func (m *Metrics) ScheduleFired(result string) {
	if m == nil {
		return
	}
	m.scheduleFires.WithLabelValues(result).Inc()
}
