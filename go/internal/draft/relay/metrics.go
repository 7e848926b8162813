package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives relay measurements.
type MetricsCollector interface {
	RecordPublished(entity string, success bool, duration time.Duration)
	RecordBatch(count int, duration time.Duration)
	RecordPublishAttempt(entity string, attempt int, success bool)
}

type NoOpMetrics struct{}

func (NoOpMetrics) RecordPublished(string, bool, time.Duration) {}
func (NoOpMetrics) RecordBatch(int, time.Duration)              {}
func (NoOpMetrics) RecordPublishAttempt(string, int, bool)      {}

// Counters records relay activity as Prometheus metrics. It is a
// prometheus.Collector, so it can be registered on any registry.
type Counters struct {
	changes   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	retries   *prometheus.CounterVec
	batches   prometheus.Counter
	batchSize prometheus.Histogram
}

func NewCounters() *Counters {
	return &Counters{
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_changes_total",
			Help: "Changes handled by entity and outcome",
		}, []string{"entity", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_publish_duration_seconds",
			Help:    "Time to publish one change, retries included",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_publish_retries_total",
			Help: "Publish retries by entity",
		}, []string{"entity"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_batches_total",
			Help: "Backlog batches drained",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_batch_size",
			Help:    "Changes published per drained batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

func (c *Counters) RecordPublished(entity string, success bool, d time.Duration) {
	outcome := "published"
	if !success {
		outcome = "failed"
	}
	c.changes.WithLabelValues(entity, outcome).Inc()
	c.latency.WithLabelValues(entity).Observe(d.Seconds())
}

func (c *Counters) RecordBatch(count int, _ time.Duration) {
	c.batches.Inc()
	c.batchSize.Observe(float64(count))
}

func (c *Counters) RecordPublishAttempt(entity string, attempt int, _ bool) {
	if attempt < 2 {
		return
	}
	c.retries.WithLabelValues(entity).Inc()
}

func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	c.changes.Describe(ch)
	c.latency.Describe(ch)
	c.retries.Describe(ch)
	c.batches.Describe(ch)
	c.batchSize.Describe(ch)
}

func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	c.changes.Collect(ch)
	c.latency.Collect(ch)
	c.retries.Collect(ch)
	c.batches.Collect(ch)
	c.batchSize.Collect(ch)
}
