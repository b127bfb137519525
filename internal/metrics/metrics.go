// Package metrics exposes Prometheus instrumentation for the orchestration
// worker: command throughput, per-stage latency, reap counts, and stream
// lag. Metric variables are registered once in init, the same layout the
// rest of this lineage's services use.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_commands_total",
		Help: "Total orchestration commands processed, by action and outcome.",
	}, []string{"action", "outcome"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_command_duration_seconds",
		Help:    "End-to-end duration of a command from dequeue to acknowledge.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"action"})

	BuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_build_duration_seconds",
		Help:    "Duration of the build-job wait loop.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	DeployDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_deploy_duration_seconds",
		Help:    "Duration of the cluster deploy call.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	ReapTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_reap_total",
		Help: "Old deployments deleted by the reap policy, by outcome.",
	}, []string{"outcome"})

	StreamLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_stream_pending_messages",
		Help: "Pending (claimed but unacknowledged) messages in the consumer group.",
	})

	VolatileStatusWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_volatile_status_write_failures_total",
		Help: "Failed best-effort AgentStatus writes, by reason.",
	}, []string{"reason"})

	ObservabilityFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_observability_fallback_total",
		Help: "Times observability staging fell back to uninstrumented source.",
	})
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		CommandDuration,
		BuildDuration,
		DeployDuration,
		ReapTotal,
		StreamLag,
		VolatileStatusWriteFailures,
		ObservabilityFallbackTotal,
	)
}

// Handler returns the HTTP handler serving metrics in Prometheus exposition
// format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on a single histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram vector.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time without recording it.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
