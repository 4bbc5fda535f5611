// Package envelope defines the wire-level event model: application events
// wrapped in a tenant-scoped envelope that carries identity, ordering, and
// reliability metadata across the transport.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	idspkg "github.com/streamhaus/eventlane/internal/runtime/ids"
)

// DomainEvent is the contract application payloads implement. EventType
// returns a dotted lowercase name such as "node.created" or "order.placed";
// SchemaVersion starts at 1 and increments on breaking payload changes.
type DomainEvent interface {
	EventType() string
	SchemaVersion() uint16
}

// Envelope wraps a domain event for transport. Envelopes are immutable once
// published except for RetryCount, which the consumer increments between
// delivery attempts.
type Envelope struct {
	// ID is a ULID minted at publish time. It doubles as the idempotency
	// key: re-sending the same envelope is safe on brokers that dedupe.
	ID string `json:"id"`

	// EventType mirrors DomainEvent.EventType.
	EventType string `json:"event_type"`

	// SchemaVersion mirrors DomainEvent.SchemaVersion.
	SchemaVersion uint16 `json:"schema_version"`

	// TenantID scopes the event to a tenant and is the partition key.
	TenantID string `json:"tenant_id"`

	// CorrelationID groups envelopes belonging to one logical flow.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID names the envelope that caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// ActorID identifies the user or system that triggered the event.
	ActorID string `json:"actor_id,omitempty"`

	// TraceID carries the distributed-tracing id across process hops.
	TraceID string `json:"trace_id,omitempty"`

	// OccurredAt is the UTC time the event happened.
	OccurredAt time.Time `json:"occurred_at"`

	// RetryCount is the number of redelivery attempts consumed so far.
	RetryCount int `json:"retry_count"`

	// Event is the codec-encoded payload body (JSON).
	Event json.RawMessage `json:"event"`
}

// New wraps a domain event in a fresh envelope for the given tenant. The id
// is a monotonic ULID and OccurredAt is now (UTC).
func New(event DomainEvent, tenantID string) (Envelope, error) {
	if event == nil {
		return Envelope{}, fmt.Errorf("domain event is required")
	}

	body, err := sonic.ConfigStd.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode event body: %w", err)
	}

	return Envelope{
		ID:            idspkg.CreateULID(),
		EventType:     event.EventType(),
		SchemaVersion: event.SchemaVersion(),
		TenantID:      tenantID,
		OccurredAt:    time.Now().UTC(),
		Event:         body,
	}, nil
}

// WithCorrelation sets the correlation id and returns the envelope.
func (e Envelope) WithCorrelation(id string) Envelope {
	e.CorrelationID = id
	return e
}

// WithCausation sets the causation id and returns the envelope.
func (e Envelope) WithCausation(id string) Envelope {
	e.CausationID = id
	return e
}

// WithActor sets the actor id and returns the envelope.
func (e Envelope) WithActor(id string) Envelope {
	e.ActorID = id
	return e
}

// WithTrace sets the trace id and returns the envelope.
func (e Envelope) WithTrace(id string) Envelope {
	e.TraceID = id
	return e
}

// Validate checks the envelope invariants shared by every published event.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("schema_version must be >= 1, got %d", e.SchemaVersion)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// PartitionKey returns the key the partitioner hashes: the tenant id, or the
// envelope id when a record arrived without one.
func (e Envelope) PartitionKey() string {
	if e.TenantID != "" {
		return e.TenantID
	}
	return e.ID
}

// Clone returns a deep copy of the envelope.
func (e Envelope) Clone() Envelope {
	cloned := e
	if e.Event != nil {
		cloned.Event = make(json.RawMessage, len(e.Event))
		copy(cloned.Event, e.Event)
	}
	return cloned
}

// EventAs decodes the envelope's event body into T.
func EventAs[T any](e Envelope) (T, error) {
	var v T
	if len(e.Event) == 0 {
		return v, fmt.Errorf("envelope %s has no event body", e.ID)
	}
	if err := sonic.ConfigStd.Unmarshal(e.Event, &v); err != nil {
		return v, fmt.Errorf("decode event body of %s: %w", e.ID, err)
	}
	return v, nil
}
