package observe

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus instrumentation for dispatcher and step
// executor activity, all namespaced "durable_".
type Metrics struct {
	inflightWorkflows prometheus.Gauge
	queueDepth        prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries       *prometheus.CounterVec
	hookConflicts *prometheus.CounterVec
	backpressure  *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics registers every metric with registry (prometheus.
// DefaultRegisterer if nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightWorkflows = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "durable",
		Name:      "inflight_workflows",
		Help:      "Current number of workflow dispatch invocations executing concurrently",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "durable",
		Name:      "queue_depth",
		Help:      "Approximate number of messages awaiting a worker",
	})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "durable",
		Name:      "step_latency_ms",
		Help:      "Milliseconds from the step message's enqueue to the end of an attempt",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"step_name", "status"}) // status: completed, failed, retrying

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "step_retries_total",
		Help:      "Cumulative step retry attempts",
	}, []string{"step_name"})

	m.hookConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "hook_conflicts_total",
		Help:      "Hook token collisions observed at creation time",
	}, []string{"workflow_name"})

	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "backpressure_events_total",
		Help:      "Queue-visibility re-enqueues triggered by approaching the backend's max visibility delay",
	}, []string{"queue_name"})

	return m
}

func (m *Metrics) RecordStepLatency(stepName string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(stepName, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(stepName string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(stepName).Inc()
}

func (m *Metrics) IncrementHookConflicts(workflowName string) {
	if !m.isEnabled() {
		return
	}
	m.hookConflicts.WithLabelValues(workflowName).Inc()
}

func (m *Metrics) IncrementBackpressure(queueName string) {
	if !m.isEnabled() {
		return
	}
	m.backpressure.WithLabelValues(queueName).Inc()
}

func (m *Metrics) UpdateQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) UpdateInflightWorkflows(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightWorkflows.Set(float64(count))
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops metric recording; used in tests that don't want a shared
// default registry polluted across cases.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
