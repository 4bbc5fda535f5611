package runtime

import (
	"time"

	"github.com/streamhaus/eventlane/connector"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
)

// HookContext describes one envelope delivery to lifecycle hooks.
type HookContext struct {
	// Group is the consumer group name.
	Group string
	// Member is the group member whose worker handled the envelope.
	Member string
	// Topic and Partition locate the record on the broker.
	Topic     string
	Partition int
	// Offset is the record's position within the partition.
	Offset int64
	// EnvelopeID is the envelope's ULID.
	EnvelopeID string
	// TenantID and EventType come from the decoded envelope (empty when the
	// record could not be decoded).
	TenantID  string
	EventType string
	// RetryCount is the number of redelivery attempts consumed so far.
	RetryCount int
	// StartedAt is when handling of this delivery began.
	StartedAt time.Time
	// Duration is how long the attempt took (set for OnSuccess, OnFailure
	// and OnDeadLetter).
	Duration time.Duration
}

// ConsumerHooks defines callbacks around envelope handling.
// All hooks are optional - nil hooks are simply not called. OnFailure fires
// once per failed attempt; OnDeadLetter fires when the envelope is quarantined,
// so a fatal failure triggers both.
type ConsumerHooks struct {
	// OnStart is called before each handler invocation.
	OnStart func(ctx HookContext)

	// OnSuccess is called after the handler returned nil and the offset
	// was committed.
	OnSuccess func(ctx HookContext)

	// OnFailure is called after each failed handler invocation.
	OnFailure func(ctx HookContext, err error)

	// OnDeadLetter is called after the envelope was moved to the dead-letter
	// topic.
	OnDeadLetter func(ctx HookContext, err error)
}

// Merge combines two ConsumerHooks, creating a new set that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h ConsumerHooks) Merge(other ConsumerHooks) ConsumerHooks {
	return ConsumerHooks{
		OnStart:      chainHooks(h.OnStart, other.OnStart),
		OnSuccess:    chainHooks(h.OnSuccess, other.OnSuccess),
		OnFailure:    chainErrorHooks(h.OnFailure, other.OnFailure),
		OnDeadLetter: chainErrorHooks(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chainHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx HookContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// PublishHooks defines callbacks around the publish path. Nil hooks are
// skipped.
type PublishHooks struct {
	// OnPublished is called after the connector acknowledged the record.
	OnPublished func(topic string, env envelopepkg.Envelope, ack connector.PublishAck)

	// OnError is called after a publish failed.
	OnError func(topic string, env envelopepkg.Envelope, err error)
}

// Merge combines two PublishHooks; other's callbacks run after h's.
func (h PublishHooks) Merge(other PublishHooks) PublishHooks {
	merged := h
	if other.OnPublished != nil {
		a, b := h.OnPublished, other.OnPublished
		if a == nil {
			merged.OnPublished = b
		} else {
			merged.OnPublished = func(topic string, env envelopepkg.Envelope, ack connector.PublishAck) {
				a(topic, env, ack)
				b(topic, env, ack)
			}
		}
	}
	if other.OnError != nil {
		a, b := h.OnError, other.OnError
		if a == nil {
			merged.OnError = b
		} else {
			merged.OnError = func(topic string, env envelopepkg.Envelope, err error) {
				a(topic, env, err)
				b(topic, env, err)
			}
		}
	}
	return merged
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) ConsumerHooks {
	return ConsumerHooks{
		OnStart: func(ctx HookContext) {
			logger.Info("Envelope handling started", loggingpkg.LogFields{
				"group":       ctx.Group,
				"member":      ctx.Member,
				"topic":       ctx.Topic,
				"partition":   ctx.Partition,
				"offset":      ctx.Offset,
				"envelope_id": ctx.EnvelopeID,
				"retry_count": ctx.RetryCount,
			})
		},
		OnSuccess: func(ctx HookContext) {
			logger.Info("Envelope handled", loggingpkg.LogFields{
				"group":       ctx.Group,
				"topic":       ctx.Topic,
				"partition":   ctx.Partition,
				"offset":      ctx.Offset,
				"envelope_id": ctx.EnvelopeID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnFailure: func(ctx HookContext, err error) {
			logger.Error("Envelope handling failed", err, loggingpkg.LogFields{
				"group":       ctx.Group,
				"topic":       ctx.Topic,
				"partition":   ctx.Partition,
				"offset":      ctx.Offset,
				"envelope_id": ctx.EnvelopeID,
				"retry_count": ctx.RetryCount,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnDeadLetter: func(ctx HookContext, err error) {
			logger.Error("Envelope dead-lettered", err, loggingpkg.LogFields{
				"group":       ctx.Group,
				"topic":       ctx.Topic,
				"partition":   ctx.Partition,
				"offset":      ctx.Offset,
				"envelope_id": ctx.EnvelopeID,
				"retry_count": ctx.RetryCount,
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on dead-lettered
// envelopes.
func AlertingHooks(alertFunc func(ctx HookContext, err error)) ConsumerHooks {
	return ConsumerHooks{
		OnDeadLetter: alertFunc,
	}
}
