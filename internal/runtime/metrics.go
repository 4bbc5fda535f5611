package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics collects publish and consume statistics. One instance is
// shared by the publisher, every consumer group, and the health checker.
type TransportMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	publishedTotal *prometheus.CounterVec
	publishErrors  *prometheus.CounterVec
	publishedBytes *prometheus.HistogramVec
	publishSeconds *prometheus.HistogramVec

	consumedTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
	groupLag       *prometheus.GaugeVec
}

// newTransportCounterVec creates a counter vec under the eventlane/transport namespace.
func newTransportCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventlane",
			Subsystem: "transport",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newTransportGaugeVec creates a gauge vec under the eventlane/transport namespace.
func newTransportGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "eventlane",
			Subsystem: "transport",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newTransportHistogramVec creates a histogram vec under the eventlane/transport namespace.
func newTransportHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eventlane",
			Subsystem: "transport",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewTransportMetrics creates the transport metrics collectors. A nil
// registerer falls back to prometheus.DefaultRegisterer.
func NewTransportMetrics(registerer prometheus.Registerer) *TransportMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	durationBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets := []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576}

	return &TransportMetrics{
		registerer:     registerer,
		publishedTotal: newTransportCounterVec("published_total", "Total number of envelopes published", []string{"topic", "codec"}),
		publishErrors:  newTransportCounterVec("publish_errors_total", "Total number of failed publishes", []string{"topic", "kind"}),
		publishedBytes: newTransportHistogramVec("published_bytes", "Size of encoded envelopes", sizeBuckets, []string{"topic"}),
		publishSeconds: newTransportHistogramVec("publish_duration_seconds", "Time spent in the connector send call", durationBuckets, []string{"topic"}),
		consumedTotal:  newTransportCounterVec("consumed_total", "Total number of handler invocations by result", []string{"group", "topic", "result"}),
		retriesTotal:   newTransportCounterVec("retries_total", "Total number of envelope redelivery attempts", []string{"group", "topic"}),
		handlerSeconds: newTransportHistogramVec("handler_duration_seconds", "Time spent in consumer handlers", durationBuckets, []string{"group", "topic"}),
		groupLag:       newTransportGaugeVec("group_lag", "Records stored but not yet committed, per group and topic", []string{"group", "topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *TransportMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.publishErrors,
		m.publishedBytes,
		m.publishSeconds,
		m.consumedTotal,
		m.retriesTotal,
		m.handlerSeconds,
		m.groupLag,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublish records one accepted publish.
func (m *TransportMetrics) RecordPublish(topic, codec string, bytes int, duration time.Duration) {
	m.publishedTotal.WithLabelValues(topic, codec).Inc()
	m.publishedBytes.WithLabelValues(topic).Observe(float64(bytes))
	m.publishSeconds.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordPublishError records one failed publish by failure kind.
func (m *TransportMetrics) RecordPublishError(topic, kind string) {
	m.publishErrors.WithLabelValues(topic, kind).Inc()
}

// RecordConsume records one handler invocation and its result.
func (m *TransportMetrics) RecordConsume(group, topic, result string, duration time.Duration) {
	m.consumedTotal.WithLabelValues(group, topic, result).Inc()
	m.handlerSeconds.WithLabelValues(group, topic).Observe(duration.Seconds())
}

// RecordRetry records one redelivery attempt.
func (m *TransportMetrics) RecordRetry(group, topic string) {
	m.retriesTotal.WithLabelValues(group, topic).Inc()
}

// SetLag sets the current lag gauge for a group and topic.
func (m *TransportMetrics) SetLag(group, topic string, lag int64) {
	m.groupLag.WithLabelValues(group, topic).Set(float64(lag))
}

// Reset clears all collectors (useful for testing).
func (m *TransportMetrics) Reset() {
	m.publishedTotal.Reset()
	m.publishErrors.Reset()
	m.publishedBytes.Reset()
	m.publishSeconds.Reset()
	m.consumedTotal.Reset()
	m.retriesTotal.Reset()
	m.handlerSeconds.Reset()
	m.groupLag.Reset()
}
