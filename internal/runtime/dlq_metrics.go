package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks dead letter queue statistics.
type DLQMetrics struct {
	mu sync.RWMutex

	// Per-DLQ-topic counts
	topicCounts map[string]*DLQTopicMetrics

	// Prometheus collectors
	messagesTotal    *prometheus.CounterVec
	messagesCurrent  *prometheus.GaugeVec
	reprocessedTotal *prometheus.CounterVec
	purgedTotal      *prometheus.CounterVec
	retryCountHist   *prometheus.HistogramVec
	reprocessSeconds *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQTopicMetrics holds metrics for a specific dead-letter topic.
type DLQTopicMetrics struct {
	MessagesReceived    uint64    `json:"messages_received"`
	MessagesCurrent     uint64    `json:"messages_current"`
	MessagesReprocessed uint64    `json:"messages_reprocessed"`
	MessagesPurged      uint64    `json:"messages_purged"`
	OldestMessageAt     time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt     time.Time `json:"newest_message_at,omitempty"`
	AvgRetryCount       float64   `json:"avg_retry_count"`
	LastUpdatedAt       time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalMessages    uint64                      `json:"total_messages"`
	TotalReprocessed uint64                      `json:"total_reprocessed"`
	TotalPurged      uint64                      `json:"total_purged"`
	TopicMetrics     map[string]*DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt      time.Time                   `json:"collected_at"`
}

// newDLQCounterVec creates a new counter vec under the eventlane/dlq namespace.
func newDLQCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventlane",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newDLQGaugeVec creates a new gauge vec under the eventlane/dlq namespace.
func newDLQGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "eventlane",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newDLQHistogramVec creates a new histogram vec under the eventlane/dlq namespace.
func newDLQHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eventlane",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewDLQMetrics creates a new DLQ metrics collector. A nil registerer falls
// back to prometheus.DefaultRegisterer.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		topicCounts:      make(map[string]*DLQTopicMetrics),
		registerer:       registerer,
		messagesTotal:    newDLQCounterVec("messages_total", "Total number of envelopes quarantined to the dead letter topic", []string{"topic", "original_topic"}),
		messagesCurrent:  newDLQGaugeVec("messages_current", "Current number of records on the dead letter topic", []string{"topic"}),
		reprocessedTotal: newDLQCounterVec("reprocessed_total", "Total number of dead-lettered envelopes re-published to their original topic", []string{"topic"}),
		purgedTotal:      newDLQCounterVec("purged_total", "Total number of records purged from the dead letter topic", []string{"topic"}),
		retryCountHist:   newDLQHistogramVec("retry_count", "Redelivery attempts consumed before the envelope was quarantined", []float64{1, 2, 3, 5, 10, 20}, []string{"topic"}),
		reprocessSeconds: newDLQHistogramVec("reprocess_duration_seconds", "Time spent re-publishing one dead-lettered envelope", []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.messagesCurrent,
		m.reprocessedTotal,
		m.purgedTotal,
		m.retryCountHist,
		m.reprocessSeconds,
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

// RecordQuarantined records an envelope being added to the dead letter topic.
func (m *DLQMetrics) RecordQuarantined(topic, originalTopic string, retryCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReceived++
	metrics.MessagesCurrent++
	metrics.LastUpdatedAt = time.Now()
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = time.Now()
	}
	metrics.NewestMessageAt = time.Now()

	// Rolling average over everything this topic ever received
	total := metrics.MessagesReceived
	metrics.AvgRetryCount = ((metrics.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, originalTopic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordReprocessed records a dead-lettered envelope being re-published to its
// original topic.
func (m *DLQMetrics) RecordReprocessed(topic string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesReprocessed++
	if metrics.MessagesCurrent > 0 {
		metrics.MessagesCurrent--
	}
	metrics.LastUpdatedAt = time.Now()

	m.reprocessedTotal.WithLabelValues(topic).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
	m.reprocessSeconds.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordPurged records records being purged from the dead letter topic.
func (m *DLQMetrics) RecordPurged(topic string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesPurged += uint64(count)
	if metrics.MessagesCurrent >= uint64(count) {
		metrics.MessagesCurrent -= uint64(count)
	} else {
		metrics.MessagesCurrent = 0
	}
	metrics.LastUpdatedAt = time.Now()

	m.purgedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(metrics.MessagesCurrent))
}

// SetCurrentCount directly sets the current record count (for sync with the
// broker's view).
func (m *DLQMetrics) SetCurrentCount(topic string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.MessagesCurrent = count
	metrics.LastUpdatedAt = time.Now()

	m.messagesCurrent.WithLabelValues(topic).Set(float64(count))
}

// GetSnapshot returns a point-in-time snapshot of all DLQ metrics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		TopicMetrics: make(map[string]*DLQTopicMetrics),
		CollectedAt:  time.Now(),
	}

	for topic, metrics := range m.topicCounts {
		copied := *metrics
		snapshot.TopicMetrics[topic] = &copied
		snapshot.TotalMessages += metrics.MessagesCurrent
		snapshot.TotalReprocessed += metrics.MessagesReprocessed
		snapshot.TotalPurged += metrics.MessagesPurged
	}

	return snapshot
}

// GetTopicMetrics returns metrics for a specific dead-letter topic, or nil
// when nothing was recorded for it.
func (m *DLQMetrics) GetTopicMetrics(topic string) *DLQTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topicCounts[topic]; ok {
		copied := *metrics
		return &copied
	}
	return nil
}

func (m *DLQMetrics) getOrCreateTopicMetrics(topic string) *DLQTopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &DLQTopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*DLQTopicMetrics)
	m.messagesTotal.Reset()
	m.messagesCurrent.Reset()
	m.reprocessedTotal.Reset()
	m.purgedTotal.Reset()
	m.retryCountHist.Reset()
	m.reprocessSeconds.Reset()
}
