package codec

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
)

// Binary is the compact codec for high-throughput producers: the envelope is
// flattened into a protobuf Struct and marshalled deterministically, so the
// wire format is varint-framed and field names are not repeated per value the
// way nested JSON repeats them.
type Binary struct{}

// Name implements Codec.
func (Binary) Name() string { return NameBinary }

// Marshal implements Codec.
func (Binary) Marshal(env envelopepkg.Envelope) ([]byte, error) {
	fields := map[string]any{
		"id":             env.ID,
		"event_type":     env.EventType,
		"schema_version": int(env.SchemaVersion),
		"tenant_id":      env.TenantID,
		"occurred_at":    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		"retry_count":    env.RetryCount,
		"event":          []byte(env.Event),
	}
	if env.CorrelationID != "" {
		fields["correlation_id"] = env.CorrelationID
	}
	if env.CausationID != "" {
		fields["causation_id"] = env.CausationID
	}
	if env.ActorID != "" {
		fields["actor_id"] = env.ActorID
	}
	if env.TraceID != "" {
		fields["trace_id"] = env.TraceID
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errspkg.NewSerializationError(NameBinary, err)
	}

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, errspkg.NewSerializationError(NameBinary, err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (Binary) Unmarshal(data []byte, env *envelopepkg.Envelope) error {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return errspkg.NewSerializationError(NameBinary, err)
	}

	m := s.AsMap()
	decoded := envelopepkg.Envelope{
		ID:            stringField(m, "id"),
		EventType:     stringField(m, "event_type"),
		TenantID:      stringField(m, "tenant_id"),
		CorrelationID: stringField(m, "correlation_id"),
		CausationID:   stringField(m, "causation_id"),
		ActorID:       stringField(m, "actor_id"),
		TraceID:       stringField(m, "trace_id"),
		SchemaVersion: uint16(intField(m, "schema_version")),
		RetryCount:    intField(m, "retry_count"),
	}

	if ts := stringField(m, "occurred_at"); ts != "" {
		occurred, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return errspkg.NewSerializationError(NameBinary, fmt.Errorf("occurred_at: %w", err))
		}
		decoded.OccurredAt = occurred
	}

	if raw := stringField(m, "event"); raw != "" {
		body, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return errspkg.NewSerializationError(NameBinary, fmt.Errorf("event body: %w", err))
		}
		decoded.Event = body
	}

	if decoded.ID == "" || decoded.EventType == "" {
		return errspkg.NewSerializationError(NameBinary, fmt.Errorf("missing envelope identity fields"))
	}

	*env = decoded
	return nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func intField(m map[string]any, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}
