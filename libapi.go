package eventlane

import (
	"github.com/streamhaus/eventlane/connector"
	runtimepkg "github.com/streamhaus/eventlane/internal/runtime"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	configpkg "github.com/streamhaus/eventlane/internal/runtime/config"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	idspkg "github.com/streamhaus/eventlane/internal/runtime/ids"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	partitionpkg "github.com/streamhaus/eventlane/internal/runtime/partition"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Envelope model
	Envelope    = envelopepkg.Envelope
	DomainEvent = envelopepkg.DomainEvent
	Headers     = envelopepkg.Headers

	// Codecs
	Codec         = codecpkg.Codec
	CodecRegistry = codecpkg.Registry

	// Publish path
	Publisher       = runtimepkg.Publisher
	PublisherOption = runtimepkg.PublisherOption
	PublishOption   = runtimepkg.PublishOption
	Producer        = runtimepkg.Producer

	// Consumer groups
	Handler         = runtimepkg.Handler
	Group           = runtimepkg.Group
	GroupConfig     = runtimepkg.GroupConfig
	GroupOption     = runtimepkg.GroupOption
	GroupInfo       = runtimepkg.GroupInfo
	GroupStats      = runtimepkg.GroupStats
	PartitionState  = runtimepkg.PartitionState
	PartitionStatus = runtimepkg.PartitionStatus

	// Dead letters
	DeadLetterManager = runtimepkg.DeadLetterManager
	DeadLetterRecord  = runtimepkg.DeadLetterRecord
	DeadLetterOption  = runtimepkg.DeadLetterOption

	// Replay
	ReplayManager = runtimepkg.ReplayManager
	ReplayRequest = runtimepkg.ReplayRequest
	ReplayStatus  = runtimepkg.ReplayStatus
	ReplayFailure = runtimepkg.ReplayFailure
	ReplayState   = runtimepkg.ReplayState

	// Health
	HealthManager = runtimepkg.HealthManager
	HealthStatus  = runtimepkg.HealthStatus

	// Hooks
	HookContext   = runtimepkg.HookContext
	ConsumerHooks = runtimepkg.ConsumerHooks
	PublishHooks  = runtimepkg.PublishHooks

	// Metrics
	TransportMetrics   = runtimepkg.TransportMetrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot
	LatencyMetrics     = runtimepkg.LatencyMetrics
	ThroughputMetrics  = runtimepkg.ThroughputMetrics
	ErrorBreakdown     = runtimepkg.ErrorBreakdown
	ResourceUsage      = runtimepkg.ResourceUsage

	// Topology
	TopologyManager = topologypkg.Manager
	TopicDescriptor = topologypkg.Descriptor
	TopologyStatus  = topologypkg.Status

	// Connector surface
	Connector       = connector.Connector
	ConnectorConfig = connector.Config
	ConnectorStatus = connector.Status
	Record          = connector.Record
	PublishAck      = connector.PublishAck
	TopicSpec       = connector.TopicSpec
	RetentionPolicy = connector.RetentionPolicy
	Capabilities    = connector.Capabilities

	// Logging
	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Errors
	HandlerResult         = errspkg.HandlerResult
	PublishErrorKind      = errspkg.PublishErrorKind
	PublishError          = errspkg.PublishError
	ConsumeFailure        = errspkg.ConsumeFailure
	SerializationError    = errspkg.SerializationError
	TopologyError         = errspkg.TopologyError
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	// Envelope helpers
	NewEnvelope = envelopepkg.New

	// Codec registry
	NewCodecRegistry = codecpkg.NewRegistry

	// Per-publish options
	WithCodec         = runtimepkg.WithCodec
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithCausationID   = runtimepkg.WithCausationID
	WithActorID       = runtimepkg.WithActorID
	WithTraceID       = runtimepkg.WithTraceID

	// Component options
	WithPublisherMetrics   = runtimepkg.WithPublisherMetrics
	WithPublishHooks       = runtimepkg.WithPublishHooks
	WithGroupMetrics       = runtimepkg.WithGroupMetrics
	WithConsumerGroupHooks = runtimepkg.WithConsumerGroupHooks
	WithDeadLetterMetrics  = runtimepkg.WithDeadLetterMetrics

	// Standalone constructors for embedding individual components.
	NewPublisher         = runtimepkg.NewPublisher
	NewGroup             = runtimepkg.NewGroup
	NewDeadLetterManager = runtimepkg.NewDeadLetterManager
	NewReplayManager     = runtimepkg.NewReplayManager
	NewHealthManager     = runtimepkg.NewHealthManager
	NewTopologyManager   = topologypkg.NewManager
	NewTransportMetrics  = runtimepkg.NewTransportMetrics
	NewDLQMetrics        = runtimepkg.NewDLQMetrics

	// Hook helpers
	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Topic naming
	TopicName   = topologypkg.TopicName
	DLQTopicFor = topologypkg.DLQTopicFor
	IsDLQTopic  = topologypkg.IsDLQ

	// Partitioning
	PartitionForKey      = partitionpkg.ForKey
	PartitionForEnvelope = partitionpkg.ForEnvelope

	// Error classification
	Fatal         = errspkg.Fatal
	ClassifyError = errspkg.Classify
	IsRetryable   = errspkg.IsRetryable

	ErrServiceRequired   = errspkg.ErrServiceRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrGroupRequired     = errspkg.ErrGroupRequired
	ErrMemberRequired    = errspkg.ErrMemberRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrEventRequired     = errspkg.ErrEventRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrConnectorRequired = errspkg.ErrConnectorRequired
	ErrNotConnected      = errspkg.ErrNotConnected
	ErrBrokerUnavailable = errspkg.ErrBrokerUnavailable
	ErrTopicNotFound     = errspkg.ErrTopicNotFound
	ErrUnknownCodec      = errspkg.ErrUnknownCodec
	ErrReplayNotFound    = errspkg.ErrReplayNotFound
	ErrFatal             = errspkg.ErrFatal

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	CreateULID = idspkg.CreateULID
	IsULID     = idspkg.IsULID

	// Connector registry. Import a connector package for its side effect to
	// make a mode available: _ "github.com/streamhaus/eventlane/connector/embedded".
	RegisterConnector        = connector.Register
	BuildConnector           = connector.Build
	DefaultConnectorRegistry = connector.DefaultRegistry
	GetConnectorCapabilities = connector.GetCapabilities
	EmbeddedCapabilities     = connector.EmbeddedCapabilities
	RemoteCapabilities       = connector.RemoteCapabilities
)

// Envelope header keys carried on every record.
const (
	HeaderEnvelopeID    = envelopepkg.HeaderEnvelopeID
	HeaderTenantID      = envelopepkg.HeaderTenantID
	HeaderCodec         = envelopepkg.HeaderCodec
	HeaderSchemaVersion = envelopepkg.HeaderSchemaVersion
	HeaderRetryCount    = envelopepkg.HeaderRetryCount
	HeaderTraceID       = envelopepkg.HeaderTraceID
	HeaderOriginalTopic = envelopepkg.HeaderOriginalTopic
	HeaderError         = envelopepkg.HeaderError
	HeaderFailedAt      = envelopepkg.HeaderFailedAt
)

// Codec names registered by default.
const (
	CodecJSON   = codecpkg.NameJSON
	CodecBinary = codecpkg.NameBinary
)

// Partition lifecycle states reported by Group.PartitionStates.
const (
	PartitionUnassigned = runtimepkg.PartitionUnassigned
	PartitionAssigned   = runtimepkg.PartitionAssigned
	PartitionConsuming  = runtimepkg.PartitionConsuming
	PartitionCommitting = runtimepkg.PartitionCommitting
	PartitionFailed     = runtimepkg.PartitionFailed
)

// Replay lifecycle states reported by ReplayManager.Status.
const (
	ReplayPending   = runtimepkg.ReplayPending
	ReplayRunning   = runtimepkg.ReplayRunning
	ReplayCompleted = runtimepkg.ReplayCompleted
	ReplayFailed    = runtimepkg.ReplayFailed
	ReplayCancelled = runtimepkg.ReplayCancelled
)

// Connector and topology health states.
const (
	StatusUp       = connector.StatusUp
	StatusDown     = connector.StatusDown
	StatusReady    = topologypkg.StatusReady
	StatusDegraded = topologypkg.StatusDegraded
)

// EventAs decodes the envelope payload into T.
func EventAs[T any](env Envelope) (T, error) {
	return envelopepkg.EventAs[T](env)
}

// NewEntryServiceLogger adapts an entry-style logger (logrus, zap sugar) to
// the ServiceLogger interface.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
