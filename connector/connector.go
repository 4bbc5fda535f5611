// Package connector defines the broker contract for eventlane.
// Each connector implementation (embedded, remote) lives in its own
// sub-package and registers itself with the connector registry.
package connector

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Connector mode names as they appear in configuration.
const (
	ModeEmbedded = "embedded"
	ModeRemote   = "remote"
)

// NoOffset is returned by Committed when a group has never committed
// on a partition. Reading from NoOffset+1 starts at the beginning.
const NoOffset int64 = -1

// Status reports whether a connector can currently reach its broker.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Record is a single stored envelope as the broker holds it. Offsets are
// monotonically increasing per partition but not necessarily contiguous.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Payload   []byte
	Headers   map[string]string
	StoredAt  time.Time
}

// PublishAck reports where a record landed. Duplicate is set when the
// broker recognized the envelope id and suppressed the write.
type PublishAck struct {
	Topic     string
	Partition int
	Offset    int64
	Duplicate bool
}

// RetentionPolicy bounds how long and how large a topic may grow.
// Zero values mean no limit on that axis.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxBytes int64
}

// TopicSpec describes a topic to be created. Name carries the full
// "{stream}.{bounded-context}" form; Stream is the logical stream the
// topic belongs to.
type TopicSpec struct {
	Stream     string
	Name       string
	Partitions int
	Retention  RetentionPolicy
}

// Connector is the narrow seam between eventlane and a broker. All
// implementations guarantee per-partition FIFO between Send order and
// Subscribe delivery order; nothing is guaranteed across partitions.
//
// Send, Subscribe and Fetch address partitions explicitly. Partition
// selection happens above the connector, so every implementation stays
// oblivious to tenant routing.
type Connector interface {
	// Connect establishes the broker connection and prepares any
	// backing state. It must be called before any other method.
	Connect(ctx context.Context) error

	// Send appends a payload to a topic partition.
	Send(ctx context.Context, topic string, partition int, payload []byte, headers map[string]string) (PublishAck, error)

	// Subscribe streams records from a partition starting at offset
	// from (inclusive). The channel closes when ctx is canceled or the
	// connector shuts down.
	Subscribe(ctx context.Context, topic string, partition int, from int64) (<-chan Record, error)

	// Fetch reads at most max records from a partition starting at
	// offset from (inclusive). Used by replay and dead-letter tooling,
	// which need bounded reads without a live subscription.
	Fetch(ctx context.Context, topic string, partition int, from int64, max int) ([]Record, error)

	// Commit durably stores a group's position on a partition. The
	// offset is the last successfully processed record.
	Commit(ctx context.Context, group, topic string, partition int, offset int64) error

	// Committed returns a group's stored position on a partition, or
	// NoOffset when the group has never committed there.
	Committed(ctx context.Context, group, topic string, partition int) (int64, error)

	// LatestOffset returns the highest offset present on a partition,
	// or NoOffset when the partition is empty.
	LatestOffset(ctx context.Context, topic string, partition int) (int64, error)

	// EnsureTopic creates a topic if it does not exist. It reports
	// whether a topic was created; an existing topic with a different
	// partition count is left untouched and reported via err.
	EnsureTopic(ctx context.Context, spec TopicSpec) (created bool, err error)

	// GrowTopic raises the partition count of an existing topic. New
	// partitions start empty. Counts never shrink; a smaller value is
	// an error.
	GrowTopic(ctx context.Context, topic string, partitions int) error

	// TopicPartitions returns the partition count of an existing topic.
	TopicPartitions(ctx context.Context, topic string) (int, error)

	// Delete removes a single record. Only dead-letter reprocessing
	// deletes records; live topics are append-only.
	Delete(ctx context.Context, topic string, partition int, offset int64) error

	// Health probes the broker connection.
	Health(ctx context.Context) Status

	// Close releases the broker connection. The connector is unusable
	// afterwards.
	Close() error
}

// Builder is the function signature for creating a connector from config.
// Each connector package provides a Builder and registers it by mode name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Connector, error)

// Config provides the configuration values needed by connectors. The
// interface keeps connector packages decoupled from the full config
// package; they see only what they dial with.
type Config interface {
	// GetConnectorMode returns the connector mode name.
	GetConnectorMode() string

	// GetStreamName returns the logical stream the process works with.
	GetStreamName() string

	// Embedded
	GetEmbeddedPath() string
	GetEmbeddedPollInterval() time.Duration

	// Remote
	GetRemoteURL() string
	GetRemoteToken() string
	GetRemoteReplicas() int
}

// CapabilitiesProvider is implemented by connectors that can report
// their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
