// Package metrics defines the Prometheus instrumentation shared across the
// bus, dispatcher, and agents. A single Metrics value is created in main and
// injected into each subsystem; a nil *Metrics disables instrumentation,
// which keeps unit tests free of registry bookkeeping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service exposes.
type Metrics struct {
	registry *prometheus.Registry

	BusEnqueued *prometheus.CounterVec
	BusConsumed *prometheus.CounterVec
	BusAcked    prometheus.Counter
	BusRetried  prometheus.Counter
	BusDLQ      prometheus.Counter
	BusDeduped  prometheus.Counter
	QueueWait   prometheus.Histogram

	AgentProcessed   *prometheus.CounterVec
	AgentFailed      *prometheus.CounterVec
	AgentProcessTime *prometheus.HistogramVec
	BreakerOpened    *prometheus.CounterVec

	DispatchInFlight prometheus.Gauge
}

// New creates a Metrics value backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BusEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testflow_bus_enqueued_total",
			Help: "Messages accepted by the bus, by queue.",
		}, []string{"queue"}),
		BusConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testflow_bus_consumed_total",
			Help: "Messages popped from the bus, by queue.",
		}, []string{"queue"}),
		BusAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testflow_bus_acked_total",
			Help: "Messages acknowledged after successful handling.",
		}),
		BusRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testflow_bus_retried_total",
			Help: "Messages requeued for retry after a handler failure.",
		}),
		BusDLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testflow_bus_dead_lettered_total",
			Help: "Messages moved to the dead-letter queue.",
		}),
		BusDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testflow_bus_deduplicated_total",
			Help: "Sends dropped by an existing idempotency marker.",
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "testflow_bus_queue_wait_seconds",
			Help:    "Time between enqueue and dequeue.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		AgentProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testflow_agent_processed_total",
			Help: "Messages processed successfully, by agent type.",
		}, []string{"agent"}),
		AgentFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testflow_agent_failed_total",
			Help: "Messages whose handler returned an error, by agent type.",
		}, []string{"agent"}),
		AgentProcessTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "testflow_agent_processing_seconds",
			Help:    "Handler processing time, by agent type.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"agent"}),
		BreakerOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testflow_agent_breaker_opened_total",
			Help: "Circuit breaker open transitions, by agent type.",
		}, []string{"agent"}),
		DispatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testflow_dispatch_in_flight",
			Help: "Messages currently being handled by agents.",
		}),
	}

	m.registry.MustRegister(
		m.BusEnqueued, m.BusConsumed, m.BusAcked, m.BusRetried, m.BusDLQ,
		m.BusDeduped, m.QueueWait,
		m.AgentProcessed, m.AgentFailed, m.AgentProcessTime, m.BreakerOpened,
		m.DispatchInFlight,
	)
	return m
}

// Registry exposes the backing registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Convenience nil-safe helpers used from hot paths.

// ObserveQueueWait records the time a message spent queued.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(d.Seconds())
}

// IncEnqueued bumps the enqueued counter for a queue.
func (m *Metrics) IncEnqueued(queue string) {
	if m == nil {
		return
	}
	m.BusEnqueued.WithLabelValues(queue).Inc()
}

// IncConsumed bumps the consumed counter for a queue.
func (m *Metrics) IncConsumed(queue string) {
	if m == nil {
		return
	}
	m.BusConsumed.WithLabelValues(queue).Inc()
}

// IncAcked bumps the acknowledged counter.
func (m *Metrics) IncAcked() {
	if m == nil {
		return
	}
	m.BusAcked.Inc()
}

// IncRetried bumps the retried counter.
func (m *Metrics) IncRetried() {
	if m == nil {
		return
	}
	m.BusRetried.Inc()
}

// IncDLQ bumps the dead-letter counter.
func (m *Metrics) IncDLQ() {
	if m == nil {
		return
	}
	m.BusDLQ.Inc()
}

// IncDeduped bumps the idempotent-drop counter.
func (m *Metrics) IncDeduped() {
	if m == nil {
		return
	}
	m.BusDeduped.Inc()
}
