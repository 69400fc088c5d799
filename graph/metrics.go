package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for graph runs.
//
// Metrics exposed (all namespaced with "stategraph_"):
//
//  1. runs_total (counter): Finished runs.
//     Labels: graph, outcome (completed, interrupted, error).
//
//  2. supersteps_total (counter): Finished super-steps.
//     Labels: graph, outcome (ok, interrupted, error).
//
//  3. step_latency_ms (histogram): Super-step wall time, dispatch to checkpoint.
//     Labels: graph.
//
//  4. node_latency_ms (histogram): Node execution duration.
//     Labels: graph, node, status (ok, interrupted, error).
//
//  5. inflight_nodes (gauge): Nodes executing right now.
//     Labels: graph.
//
//  6. interrupts_total (counter): Suspensions.
//     Labels: graph, kind (before, after, dynamic).
//
//  7. retries_total (counter): Node re-executions performed by Retry.
//     Labels: graph, node.
//
//  8. stream_dropped_total (counter): Stream events discarded because the
//     consumer fell behind.
//     Labels: graph.
//
//  9. checkpoint_failures_total (counter): Failed checkpoint saves.
//     Labels: graph.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	g, err := b.Compile(graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use and are no-ops on a nil receiver,
// so a graph compiled without WithMetrics records nothing.
type PrometheusMetrics struct {
	runs               *prometheus.CounterVec
	supersteps         *prometheus.CounterVec
	stepLatency        *prometheus.HistogramVec
	nodeLatency        *prometheus.HistogramVec
	inflightNodes      *prometheus.GaugeVec
	interrupts         *prometheus.CounterVec
	retries            *prometheus.CounterVec
	streamDropped      *prometheus.CounterVec
	checkpointFailures *prometheus.CounterVec
}

// latencyBuckets covers 1ms to 10s.
var latencyBuckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// NewPrometheusMetrics creates and registers the run metrics with registry.
// A nil registry uses prometheus.DefaultRegisterer. Registering twice with
// the same registry panics, as with any promauto collector.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	const ns = "stategraph"
	return &PrometheusMetrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Finished graph runs by outcome",
		}, []string{"graph", "outcome"}),
		supersteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "supersteps_total",
			Help:      "Finished super-steps by outcome",
		}, []string{"graph", "outcome"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "step_latency_ms",
			Help:      "Super-step duration in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{"graph"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{"graph", "node", "status"}),
		inflightNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "inflight_nodes",
			Help:      "Nodes currently executing",
		}, []string{"graph"}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "interrupts_total",
			Help:      "Run suspensions by interrupt kind",
		}, []string{"graph", "kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_total",
			Help:      "Node retry attempts",
		}, []string{"graph", "node"}),
		streamDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stream_dropped_total",
			Help:      "Stream events dropped because the consumer fell behind",
		}, []string{"graph"}),
		checkpointFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint saves that failed",
		}, []string{"graph"}),
	}
}

// RecordRun counts a finished run.
func (pm *PrometheusMetrics) RecordRun(graph, outcome string) {
	if pm == nil {
		return
	}
	pm.runs.WithLabelValues(graph, outcome).Inc()
}

// RecordStep counts a finished super-step and observes its latency.
func (pm *PrometheusMetrics) RecordStep(graph, outcome string, latency time.Duration) {
	if pm == nil {
		return
	}
	pm.supersteps.WithLabelValues(graph, outcome).Inc()
	pm.stepLatency.WithLabelValues(graph).Observe(float64(latency.Milliseconds()))
}

// RecordNode observes one node execution.
func (pm *PrometheusMetrics) RecordNode(graph, node, status string, latency time.Duration) {
	if pm == nil {
		return
	}
	pm.nodeLatency.WithLabelValues(graph, node, status).Observe(float64(latency.Milliseconds()))
}

// IncInflight marks a node as executing.
func (pm *PrometheusMetrics) IncInflight(graph string) {
	if pm == nil {
		return
	}
	pm.inflightNodes.WithLabelValues(graph).Inc()
}

// DecInflight marks a node as finished.
func (pm *PrometheusMetrics) DecInflight(graph string) {
	if pm == nil {
		return
	}
	pm.inflightNodes.WithLabelValues(graph).Dec()
}

// RecordInterrupt counts a suspension.
func (pm *PrometheusMetrics) RecordInterrupt(graph, kind string) {
	if pm == nil {
		return
	}
	pm.interrupts.WithLabelValues(graph, kind).Inc()
}

// RecordRetry counts one retry of node.
func (pm *PrometheusMetrics) RecordRetry(graph, node string) {
	if pm == nil {
		return
	}
	pm.retries.WithLabelValues(graph, node).Inc()
}

// RecordStreamDrop counts one dropped stream event.
func (pm *PrometheusMetrics) RecordStreamDrop(graph string) {
	if pm == nil {
		return
	}
	pm.streamDropped.WithLabelValues(graph).Inc()
}

// RecordCheckpointFailure counts one failed checkpoint save.
func (pm *PrometheusMetrics) RecordCheckpointFailure(graph string) {
	if pm == nil {
		return
	}
	pm.checkpointFailures.WithLabelValues(graph).Inc()
}
