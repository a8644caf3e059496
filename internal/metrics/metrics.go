// Package metrics exports workflow and webhook counters for Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alekspetrov/recap/internal/durable"
)

const namespace = "recap"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	lifecycle   *prometheus.CounterVec
	attempts    *prometheus.HistogramVec
	webhooks    *prometheus.CounterVec
	resolutions *prometheus.CounterVec
}

// New registers the collectors. queueDepth may be nil.
func New(queueDepth func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_events_total",
			Help:      "Workflow instance lifecycle transitions by workflow and event.",
		}, []string{"workflow", "event"}),
		attempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_failed_attempts",
			Help:      "Failed passes recorded when an instance reaches a terminal state.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}, []string{"workflow", "status"}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound tracker webhooks by source and result.",
		}, []string{"source", "result"}),
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_interactions_total",
			Help:      "Approval button clicks by decision and whether they were applied.",
		}, []string{"decision", "applied"}),
	}
	if queueDepth != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_queue_depth",
			Help:      "Instance IDs waiting for a worker.",
		}, func() float64 { return float64(queueDepth()) })
	}
	return m
}

// Observe implements durable.Observer.
func (m *Metrics) Observe(_ context.Context, ev durable.Event) {
	m.lifecycle.WithLabelValues(ev.Workflow, string(ev.Type)).Inc()
	if ev.Status.Terminal() {
		m.attempts.WithLabelValues(ev.Workflow, string(ev.Status)).Observe(float64(ev.Attempts))
	}
}

// Webhook counts an inbound webhook. result is a trigger status or an
// error class such as "invalid" or "unauthorized".
func (m *Metrics) Webhook(source, result string) {
	m.webhooks.WithLabelValues(source, result).Inc()
}

// Interaction counts an approve or reject click.
func (m *Metrics) Interaction(approved, applied bool) {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	appliedLabel := "false"
	if applied {
		appliedLabel = "true"
	}
	m.resolutions.WithLabelValues(decision, appliedLabel).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
