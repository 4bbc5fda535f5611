// Package topology manages the set of topics a process works with.
//
// The manager is additive only: it creates topics that are missing and,
// when explicitly allowed, raises partition counts. Nothing here ever
// deletes a topic or shrinks a partition count, because both would
// silently break tenant-to-partition routing for already stored events.
package topology

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/streamhaus/eventlane/connector"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	"github.com/streamhaus/eventlane/internal/runtime/logging"
)

// DLQSuffix is appended to a topic name to form its dead-letter topic.
const DLQSuffix = ".dlq"

const (
	// DefaultDLQPartitions is the partition count for derived
	// dead-letter topics. Dead letters are rare and inspected by
	// humans, so one partition keeps them in one ordered place.
	DefaultDLQPartitions = 1

	// DefaultDLQRetention keeps dead letters around long enough for
	// quarterly audits to catch them.
	DefaultDLQRetention = 365 * 24 * time.Hour
)

// Status summarizes whether the defined topology exists on the broker.
type Status string

const (
	StatusReady    Status = "ready"
	StatusDegraded Status = "degraded"
)

// Descriptor is the desired shape of one topic.
type Descriptor struct {
	Name       string
	Partitions int
	Retention  connector.RetentionPolicy
}

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	// AllowPartitionIncrease permits Ensure to raise the partition
	// count of an existing topic when the descriptor asks for more.
	// Raising the count remaps tenants to partitions, so it is off by
	// default.
	AllowPartitionIncrease bool

	// DLQPartitions is the partition count for derived dead-letter topics.
	DLQPartitions int

	// DLQRetention is the retention for derived dead-letter topics.
	DLQRetention time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.DLQPartitions <= 0 {
		c.DLQPartitions = DefaultDLQPartitions
	}
	if c.DLQRetention <= 0 {
		c.DLQRetention = DefaultDLQRetention
	}
	return c
}

// Manager reconciles defined descriptors against the broker. It caches
// what it has confirmed, so the publish path pays for topology exactly
// once per topic per process lifetime.
type Manager struct {
	conn   connector.Connector
	logger logging.ServiceLogger
	cfg    ManagerConfig

	mu      sync.Mutex
	defined map[string]Descriptor
	ensured map[string]int
}

// NewManager creates a topology manager on top of a connector.
func NewManager(conn connector.Connector, logger logging.ServiceLogger, cfg ManagerConfig) *Manager {
	return &Manager{
		conn:    conn,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		defined: make(map[string]Descriptor),
		ensured: make(map[string]int),
	}
}

// Define registers a topic descriptor. Publishing and consuming only
// work on defined topics (or their derived dead-letter topics).
func (m *Manager) Define(desc Descriptor) error {
	if desc.Name == "" {
		return errspkg.ErrTopicRequired
	}
	if desc.Partitions < 1 {
		return &errspkg.TopologyError{
			Topic: desc.Name,
			Err:   errors.New("partition count must be at least 1"),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.defined[desc.Name] = desc
	return nil
}

// Defined returns the registered descriptors sorted by topic name.
func (m *Manager) Defined() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	descs := make([]Descriptor, 0, len(m.defined))
	for _, desc := range m.defined {
		descs = append(descs, desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Ensure makes sure a topic exists on the broker with its descriptor's
// shape. The first successful call per topic talks to the broker;
// repeats are answered from cache.
func (m *Manager) Ensure(ctx context.Context, topic string) error {
	m.mu.Lock()
	if _, ok := m.ensured[topic]; ok {
		m.mu.Unlock()
		return nil
	}
	desc, err := m.descriptorLocked(topic)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	created, err := m.conn.EnsureTopic(ctx, connector.TopicSpec{
		Stream:     streamOf(topic),
		Name:       desc.Name,
		Partitions: desc.Partitions,
		Retention:  desc.Retention,
	})
	if err != nil {
		var terr *errspkg.TopologyError
		if !errors.As(err, &terr) || !m.cfg.AllowPartitionIncrease {
			return err
		}
		if err := m.tryGrow(ctx, desc, err); err != nil {
			return err
		}
	}

	if created {
		m.logInfo("topic created", logging.LogFields{
			"topic":      desc.Name,
			"partitions": desc.Partitions,
		})
	}

	m.mu.Lock()
	m.ensured[topic] = desc.Partitions
	m.mu.Unlock()
	return nil
}

// tryGrow resolves a partition mismatch by raising the broker's count
// when the descriptor asks for more. Shrinks keep the original error.
func (m *Manager) tryGrow(ctx context.Context, desc Descriptor, ensureErr error) error {
	current, err := m.conn.TopicPartitions(ctx, desc.Name)
	if err != nil {
		return ensureErr
	}
	if desc.Partitions <= current {
		return ensureErr
	}

	if err := m.conn.GrowTopic(ctx, desc.Name, desc.Partitions); err != nil {
		return err
	}
	m.logInfo("partition count raised", logging.LogFields{
		"topic": desc.Name,
		"from":  current,
		"to":    desc.Partitions,
	})
	return nil
}

// EnsureAll ensures every defined topic and its dead-letter topic.
func (m *Manager) EnsureAll(ctx context.Context) error {
	for _, desc := range m.Defined() {
		if err := m.Ensure(ctx, desc.Name); err != nil {
			return err
		}
		if IsDLQ(desc.Name) {
			continue
		}
		if err := m.Ensure(ctx, DLQTopicFor(desc.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Partitions returns the partition count for a topic, preferring what
// the manager has already confirmed on the broker.
func (m *Manager) Partitions(ctx context.Context, topic string) (int, error) {
	m.mu.Lock()
	if n, ok := m.ensured[topic]; ok {
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	n, err := m.conn.TopicPartitions(ctx, topic)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.ensured[topic] = n
	m.mu.Unlock()
	return n, nil
}

// Status probes every defined topic. Ready means each one exists on the
// broker with at least the partitions its descriptor asks for.
func (m *Manager) Status(ctx context.Context) Status {
	for _, desc := range m.Defined() {
		m.mu.Lock()
		_, ok := m.ensured[desc.Name]
		m.mu.Unlock()
		if ok {
			continue
		}

		n, err := m.conn.TopicPartitions(ctx, desc.Name)
		if err != nil || n < desc.Partitions {
			return StatusDegraded
		}
	}
	return StatusReady
}

// descriptorLocked resolves a topic to its descriptor. Dead-letter
// topics of defined topics get a derived descriptor unless one was
// defined explicitly.
func (m *Manager) descriptorLocked(topic string) (Descriptor, error) {
	if desc, ok := m.defined[topic]; ok {
		return desc, nil
	}

	if base, isDLQ := strings.CutSuffix(topic, DLQSuffix); isDLQ {
		if _, ok := m.defined[base]; ok {
			return Descriptor{
				Name:       topic,
				Partitions: m.cfg.DLQPartitions,
				Retention:  connector.RetentionPolicy{MaxAge: m.cfg.DLQRetention},
			}, nil
		}
	}

	return Descriptor{}, &errspkg.TopologyError{Topic: topic, Err: errspkg.ErrTopicNotFound}
}

func (m *Manager) logInfo(msg string, fields logging.LogFields) {
	if m.logger != nil {
		m.logger.Info(msg, fields)
	}
}

// TopicName builds the "{stream}.{boundedContext}" topic name.
func TopicName(stream, boundedContext string) string {
	return stream + "." + boundedContext
}

// DLQTopicFor returns the dead-letter topic for a topic.
func DLQTopicFor(topic string) string {
	return topic + DLQSuffix
}

// IsDLQ reports whether a topic is a dead-letter topic.
func IsDLQ(topic string) bool {
	return strings.HasSuffix(topic, DLQSuffix)
}

// streamOf extracts the logical stream from a topic name, which is
// everything before the first dot.
func streamOf(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}
