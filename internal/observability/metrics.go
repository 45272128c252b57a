package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each Metrics owns
// its registry, so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry
	latency  *latencyWindow

	TurnsAppended        *prometheus.CounterVec
	IndexingFailures     *prometheus.CounterVec
	SummarizationRuns    *prometheus.CounterVec
	SummarizationSeconds prometheus.Histogram
	ContextTokens        prometheus.Histogram
	PoolWait             prometheus.Histogram
	RateLimitDecisions   *prometheus.CounterVec
	TrackedConversations prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		latency:  newLatencyWindow(256),
		TurnsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns appended to the relational store by role.",
		}, []string{"role"}),
		IndexingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexing_failures_total",
			Help:      "Vector memory failures by operation.",
		}, []string{"op"}),
		SummarizationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarization_runs_total",
			Help:      "Summarization pipeline runs by outcome.",
		}, []string{"outcome"}),
		SummarizationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summarization_duration_seconds",
			Help:      "Duration of summarization pipeline runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		ContextTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_tokens",
			Help:      "Token cost of assembled contexts.",
			Buckets:   []float64{128, 256, 512, 1024, 2048, 3072, 4096, 8192},
		}),
		PoolWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_ms",
			Help:      "Time spent waiting for a relational connection in milliseconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
		}),
		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions by result.",
		}, []string{"result"}),
		TrackedConversations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_conversations",
			Help:      "Conversations with an active summarization counter.",
		}),
	}
}

func (m *Metrics) ObserveTurn(role string) {
	m.TurnsAppended.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveIndexingFailure(op string) {
	m.IndexingFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveSummarization(outcome string, d time.Duration) {
	m.SummarizationRuns.WithLabelValues(outcome).Inc()
	m.SummarizationSeconds.Observe(d.Seconds())
	m.latency.Observe(OpSummarize, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveContextTokens(n int) {
	m.ContextTokens.Observe(float64(n))
}

func (m *Metrics) ObservePoolWait(d time.Duration) {
	m.PoolWait.Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) ObserveRateLimit(admitted bool) {
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	m.RateLimitDecisions.WithLabelValues(result).Inc()
}

// ObserveOperation records one operation duration in the rolling latency window.
func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	m.latency.Observe(op, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.latency.ObserveIndicator(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
