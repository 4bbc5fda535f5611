package runtime

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamhaus/eventlane/connector"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	partitionpkg "github.com/streamhaus/eventlane/internal/runtime/partition"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

// Producer emits domain events onto the configured connector.
type Producer interface {
	Publish(ctx context.Context, topic string, event envelopepkg.DomainEvent, tenantID string, opts ...PublishOption) (envelopepkg.Envelope, error)
	PublishEnvelope(ctx context.Context, topic string, env envelopepkg.Envelope, opts ...PublishOption) (connector.PublishAck, error)
}

// publishSettings collects the per-call options applied to a publish.
type publishSettings struct {
	codec         string
	correlationID string
	causationID   string
	actorID       string
	traceID       string
}

// PublishOption customises a single publish call.
type PublishOption func(*publishSettings)

// WithCodec selects the codec used to encode the envelope for this call.
func WithCodec(name string) PublishOption {
	return func(s *publishSettings) { s.codec = name }
}

// WithCorrelationID stamps the envelope with a correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(s *publishSettings) { s.correlationID = id }
}

// WithCausationID stamps the envelope with the id of the envelope that caused it.
func WithCausationID(id string) PublishOption {
	return func(s *publishSettings) { s.causationID = id }
}

// WithActorID stamps the envelope with the acting user or system.
func WithActorID(id string) PublishOption {
	return func(s *publishSettings) { s.actorID = id }
}

// WithTraceID overrides the trace id instead of taking it from the active span.
func WithTraceID(id string) PublishOption {
	return func(s *publishSettings) { s.traceID = id }
}

func applyPublishOptions(opts []PublishOption) publishSettings {
	var settings publishSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	return settings
}

// Publisher implements the publish path: encode, partition, ensure topology,
// send. Safe for concurrent use.
type Publisher struct {
	conn    connector.Connector
	topo    *topologypkg.Manager
	codecs  *codecpkg.Registry
	logger  loggingpkg.ServiceLogger
	metrics *TransportMetrics
	hooks   PublishHooks
}

// PublisherOption customises a Publisher at construction time.
type PublisherOption func(*Publisher)

// WithPublisherMetrics attaches transport metrics to the publisher.
func WithPublisherMetrics(m *TransportMetrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithPublishHooks attaches lifecycle hooks to the publisher.
func WithPublishHooks(h PublishHooks) PublisherOption {
	return func(p *Publisher) { p.hooks = p.hooks.Merge(h) }
}

// NewPublisher wires the publish path over the supplied connector, topology
// manager and codec registry.
func NewPublisher(conn connector.Connector, topo *topologypkg.Manager, codecs *codecpkg.Registry, logger loggingpkg.ServiceLogger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:   conn,
		topo:   topo,
		codecs: codecs,
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish wraps the event in a fresh envelope for the tenant and sends it.
// The returned envelope carries the minted id; its id is the idempotency key
// for caller-side retries.
func (p *Publisher) Publish(ctx context.Context, topic string, event envelopepkg.DomainEvent, tenantID string, opts ...PublishOption) (envelopepkg.Envelope, error) {
	if event == nil {
		return envelopepkg.Envelope{}, errspkg.ErrEventRequired
	}

	env, err := envelopepkg.New(event, tenantID)
	if err != nil {
		return envelopepkg.Envelope{}, &errspkg.PublishError{
			Kind:  errspkg.PublishSerialization,
			Topic: topic,
			Err:   err,
		}
	}

	settings := applyPublishOptions(opts)
	if settings.correlationID != "" {
		env = env.WithCorrelation(settings.correlationID)
	}
	if settings.causationID != "" {
		env = env.WithCausation(settings.causationID)
	}
	if settings.actorID != "" {
		env = env.WithActor(settings.actorID)
	}
	if settings.traceID != "" {
		env = env.WithTrace(settings.traceID)
	}

	_, err = p.publish(ctx, topic, &env, settings.codec)
	return env, err
}

// PublishEnvelope re-sends an existing envelope without re-minting its id.
// Used for caller-side retries after a timeout and for dead-letter
// reprocessing; brokers that dedupe do so on the envelope id.
func (p *Publisher) PublishEnvelope(ctx context.Context, topic string, env envelopepkg.Envelope, opts ...PublishOption) (connector.PublishAck, error) {
	settings := applyPublishOptions(opts)
	if settings.traceID != "" {
		env = env.WithTrace(settings.traceID)
	}
	return p.publish(ctx, topic, &env, settings.codec)
}

func (p *Publisher) publish(ctx context.Context, topic string, env *envelopepkg.Envelope, codecName string) (connector.PublishAck, error) {
	if topic == "" {
		return connector.PublishAck{}, errspkg.ErrTopicRequired
	}

	tracer := otel.Tracer("eventlane")
	ctx, span := tracer.Start(ctx, "eventlane.publish")
	defer span.End()

	if env.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			env.TraceID = sc.TraceID().String()
		}
	}

	if err := env.Validate(); err != nil {
		return connector.PublishAck{}, p.fail(topic, *env, errspkg.PublishSerialization, err)
	}

	codec, err := p.resolveCodec(codecName)
	if err != nil {
		return connector.PublishAck{}, p.fail(topic, *env, errspkg.PublishSerialization, err)
	}

	payload, err := codec.Marshal(*env)
	if err != nil {
		return connector.PublishAck{}, p.fail(topic, *env, errspkg.PublishSerialization, err)
	}

	if err := p.topo.Ensure(ctx, topic); err != nil {
		return connector.PublishAck{}, p.fail(topic, *env, errspkg.PublishTopologyUnavailable, err)
	}
	partitions, err := p.topo.Partitions(ctx, topic)
	if err != nil {
		return connector.PublishAck{}, p.fail(topic, *env, errspkg.PublishTopologyUnavailable, err)
	}

	partition := partitionpkg.ForEnvelope(*env, partitions)

	started := time.Now()
	ack, err := p.conn.Send(ctx, topic, partition, payload, env.WireHeaders(codec.Name()))
	if err != nil {
		return connector.PublishAck{}, p.fail(topic, *env, sendErrorKind(err), err)
	}

	span.SetAttributes(
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.tenant", env.TenantID),
		attribute.String("envelope.event_type", env.EventType),
		attribute.String("messaging.topic", topic),
		attribute.Int("messaging.partition", ack.Partition),
		attribute.String("messaging.codec", codec.Name()),
	)

	if p.metrics != nil {
		p.metrics.RecordPublish(topic, codec.Name(), len(payload), time.Since(started))
	}
	if p.logger != nil {
		p.logger.Debug("Envelope published", loggingpkg.LogFields{
			"envelope_id": env.ID,
			"tenant_id":   env.TenantID,
			"topic":       topic,
			"partition":   ack.Partition,
			"offset":      ack.Offset,
			"codec":       codec.Name(),
			"duplicate":   ack.Duplicate,
		})
	}
	if p.hooks.OnPublished != nil {
		p.hooks.OnPublished(topic, *env, ack)
	}

	return ack, nil
}

func (p *Publisher) resolveCodec(name string) (codecpkg.Codec, error) {
	if name == "" {
		return p.codecs.Default(), nil
	}
	return p.codecs.Get(name)
}

func (p *Publisher) fail(topic string, env envelopepkg.Envelope, kind errspkg.PublishErrorKind, err error) error {
	perr := &errspkg.PublishError{Kind: kind, Topic: topic, Err: err}
	if p.metrics != nil {
		p.metrics.RecordPublishError(topic, string(kind))
	}
	if p.logger != nil {
		p.logger.Error("Publish failed", perr, loggingpkg.LogFields{
			"envelope_id": env.ID,
			"topic":       topic,
			"kind":        string(kind),
		})
	}
	if p.hooks.OnError != nil {
		p.hooks.OnError(topic, env, perr)
	}
	return perr
}

// sendErrorKind classifies a connector send failure.
func sendErrorKind(err error) errspkg.PublishErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errspkg.PublishTimeout
	}
	return errspkg.PublishBrokerRejected
}
