package connector

// Capabilities describes the features a connector backend supports.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// Name is the connector mode name.
	Name string

	// Version is the backing driver or server version, when known.
	Version string

	// SupportsBrokerDedup indicates the broker suppresses duplicate
	// publishes by envelope id on its own. When false, exactly-once
	// effects depend entirely on consumer-side idempotency.
	SupportsBrokerDedup bool

	// SupportsOffsetReads indicates records can be fetched by offset
	// at random, which replay and dead-letter listing rely on.
	SupportsOffsetReads bool

	// SupportsRecordDelete indicates individual records can be removed,
	// which dead-letter reprocessing relies on.
	SupportsRecordDelete bool

	// SupportsRetention indicates the backend enforces age and size
	// retention itself rather than growing without bound.
	SupportsRetention bool

	// SupportsSharedState indicates group cursors and topology are
	// visible to other processes. False means single-process only.
	SupportsSharedState bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresConsumerDedup returns true if consumers must deduplicate by
// envelope id because the broker does not.
func (c Capabilities) RequiresConsumerDedup() bool {
	return !c.SupportsBrokerDedup
}

// SupportsReplay returns true if the connector can serve replay
// traffic, which needs both offset-addressed reads and retention so a
// requested range has a defined lifetime.
func (c Capabilities) SupportsReplay() bool {
	return c.SupportsOffsetReads
}

// Predefined capability sets for the built-in connectors.
var (
	// EmbeddedCapabilities for the SQLite-backed in-process connector.
	EmbeddedCapabilities = Capabilities{
		Name:                 ModeEmbedded,
		SupportsBrokerDedup:  false,
		SupportsOffsetReads:  true,
		SupportsRecordDelete: true,
		SupportsRetention:    true,
		SupportsSharedState:  false,
	}

	// RemoteCapabilities for the NATS JetStream connector.
	RemoteCapabilities = Capabilities{
		Name:                 ModeRemote,
		SupportsBrokerDedup:  true,
		SupportsOffsetReads:  true,
		SupportsRecordDelete: true,
		SupportsRetention:    true,
		SupportsSharedState:  true,
		MaxMessageSize:       1048576, // JetStream default 1MB
	}
)

// GetCapabilities returns the capabilities for a connector by mode name.
// Uses the registry to look up capabilities registered by each connector
// package. Returns a zero Capabilities struct if the mode is unknown.
func GetCapabilities(mode string) Capabilities {
	return DefaultRegistry.GetCapabilities(mode)
}
