package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueMetricsOnce sync.Once
	queueRegistry    *QueueMetrics

	pipelineMetricsOnce sync.Once
	pipelineRegistry    *PipelineMetrics

	retentionMetricsOnce sync.Once
	retentionRegistry    *RetentionMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// QueueMetrics tracks ingest queue health.
type QueueMetrics struct {
	depth    prometheus.Gauge
	enqueued *prometheus.CounterVec
	dequeued prometheus.Counter
}

// Queue returns the lazily-initialised queue metrics registry.
func Queue() *QueueMetrics {
	queueMetricsOnce.Do(func() {
		queueRegistry = &QueueMetrics{
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "questline",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of events admitted but not yet processed.",
			}),
			enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "queue",
				Name:      "enqueued_total",
				Help:      "Count of enqueue attempts segmented by outcome.",
			}, []string{"outcome"}),
			dequeued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "queue",
				Name:      "dequeued_total",
				Help:      "Count of events handed to the worker pool.",
			}),
		}
		prometheus.MustRegister(
			queueRegistry.depth,
			queueRegistry.enqueued,
			queueRegistry.dequeued,
		)
	})
	return queueRegistry
}

// SetDepth updates the queue depth gauge.
func (m *QueueMetrics) SetDepth(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}

// RecordEnqueue increments the enqueue counter for an outcome such as
// "accepted", "duplicate" or "full".
func (m *QueueMetrics) RecordEnqueue(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.enqueued.WithLabelValues(outcome).Inc()
}

// RecordDequeue increments the dequeue counter.
func (m *QueueMetrics) RecordDequeue() {
	if m == nil {
		return
	}
	m.dequeued.Inc()
}

// PipelineMetrics tracks rule evaluation and reward materialization.
type PipelineMetrics struct {
	processed   *prometheus.CounterVec
	evalLatency prometheus.Histogram
	rewards     *prometheus.CounterVec
	cascades    *prometheus.CounterVec
	retries     prometheus.Counter
}

// Pipeline returns the lazily-initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "pipeline",
				Name:      "events_processed_total",
				Help:      "Count of processed events segmented by outcome.",
			}, []string{"outcome"}),
			evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "questline",
				Subsystem: "pipeline",
				Name:      "evaluation_duration_seconds",
				Help:      "Latency distribution for rule evaluation per event.",
				Buckets:   prometheus.DefBuckets,
			}),
			rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "pipeline",
				Name:      "rewards_total",
				Help:      "Count of reward materializations segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "pipeline",
				Name:      "cascade_events_total",
				Help:      "Count of synthetic cascade events emitted by the executor.",
			}, []string{"type"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "pipeline",
				Name:      "retries_total",
				Help:      "Count of event processing retries.",
			}),
		}
		prometheus.MustRegister(
			pipelineRegistry.processed,
			pipelineRegistry.evalLatency,
			pipelineRegistry.rewards,
			pipelineRegistry.cascades,
			pipelineRegistry.retries,
		)
	})
	return pipelineRegistry
}

// RecordProcessed increments the processed counter for an outcome such as
// "success", "failed" or "no_match".
func (m *PipelineMetrics) RecordProcessed(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.processed.WithLabelValues(outcome).Inc()
}

// ObserveEvaluation records the latency of one rule evaluation pass.
func (m *PipelineMetrics) ObserveEvaluation(d time.Duration) {
	if m == nil {
		return
	}
	m.evalLatency.Observe(d.Seconds())
}

// RecordReward increments the reward counter.
func (m *PipelineMetrics) RecordReward(rewardType string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	if rewardType = strings.TrimSpace(rewardType); rewardType == "" {
		rewardType = "unknown"
	}
	m.rewards.WithLabelValues(rewardType, outcome).Inc()
}

// RecordCascade increments the cascade counter for the synthetic event type.
func (m *PipelineMetrics) RecordCascade(eventType string) {
	if m == nil {
		return
	}
	if eventType = strings.TrimSpace(eventType); eventType == "" {
		eventType = "unknown"
	}
	m.cascades.WithLabelValues(eventType).Inc()
}

// RecordRetry increments the retry counter.
func (m *PipelineMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RetentionMetrics tracks the event retention sweeper.
type RetentionMetrics struct {
	deleted prometheus.Counter
	sweeps  prometheus.Counter
}

// Retention returns the lazily-initialised retention metrics registry.
func Retention() *RetentionMetrics {
	retentionMetricsOnce.Do(func() {
		retentionRegistry = &RetentionMetrics{
			deleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "retention",
				Name:      "events_deleted_total",
				Help:      "Count of events removed past the retention horizon.",
			}),
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "retention",
				Name:      "sweeps_total",
				Help:      "Count of completed retention sweeps.",
			}),
		}
		prometheus.MustRegister(retentionRegistry.deleted, retentionRegistry.sweeps)
	})
	return retentionRegistry
}

// RecordSweep records one completed sweep and the rows it removed.
func (m *RetentionMetrics) RecordSweep(deleted int64) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	if deleted > 0 {
		m.deleted.Add(float64(deleted))
	}
}

// HTTPMetrics tracks the REST surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "questline",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "questline",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one served request.
func (m *HTTPMetrics) Observe(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(d.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
