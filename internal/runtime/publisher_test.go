package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhaus/eventlane/connector"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	partitionpkg "github.com/streamhaus/eventlane/internal/runtime/partition"
)

const pubTestTopic = "eventlane.billing"

func TestPublishRoundTrip(t *testing.T) {
	conn := newMemoryConnector(t)
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	env, err := pub.Publish(context.Background(), pubTestTopic, testEvent{Ref: "inv-42", Total: 1299}, "tenant-a")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if env.ID == "" {
		t.Fatal("envelope id not minted")
	}
	if env.EventType != "invoice.issued" {
		t.Errorf("event type = %q, want invoice.issued", env.EventType)
	}
	if env.TenantID != "tenant-a" {
		t.Errorf("tenant = %q, want tenant-a", env.TenantID)
	}
	if env.OccurredAt.IsZero() {
		t.Error("occurred_at not set")
	}

	records := fetchTopicRecords(t, conn, pubTestTopic, 4)
	if len(records) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(records))
	}
	rec := records[0]

	headers := envelopepkg.Headers(rec.Headers)
	if got := headers.Get(envelopepkg.HeaderEnvelopeID); got != env.ID {
		t.Errorf("envelope_id header = %q, want %q", got, env.ID)
	}
	if got := headers.Get(envelopepkg.HeaderTenantID); got != "tenant-a" {
		t.Errorf("tenant_id header = %q, want tenant-a", got)
	}
	if got := headers.Get(envelopepkg.HeaderCodec); got != codecpkg.NameJSON {
		t.Errorf("codec header = %q, want %q", got, codecpkg.NameJSON)
	}
	if got := headers.Get(envelopepkg.HeaderSchemaVersion); got != "1" {
		t.Errorf("schema_version header = %q, want 1", got)
	}
	if got := headers.Get(envelopepkg.HeaderRetryCount); got != "0" {
		t.Errorf("retry_count header = %q, want 0", got)
	}

	var stored envelopepkg.Envelope
	if err := (codecpkg.JSON{}).Unmarshal(rec.Payload, &stored); err != nil {
		t.Fatalf("stored payload does not decode: %v", err)
	}
	if stored.ID != env.ID {
		t.Errorf("stored envelope id = %q, want %q", stored.ID, env.ID)
	}
	event, err := envelopepkg.EventAs[testEvent](stored)
	if err != nil {
		t.Fatalf("event body does not decode: %v", err)
	}
	if event.Ref != "inv-42" || event.Total != 1299 {
		t.Errorf("event round trip = %+v, want {inv-42 1299}", event)
	}
}

func TestPublishTenantAffinity(t *testing.T) {
	conn := newMemoryConnector(t)
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	for i := 0; i < 5; i++ {
		if _, err := pub.Publish(context.Background(), pubTestTopic, testEvent{Ref: "inv", Total: i}, "tenant-a"); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	want := partitionpkg.ForKey("tenant-a", 4)
	records := fetchTopicRecords(t, conn, pubTestTopic, 4)
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Partition != want {
			t.Errorf("record landed on partition %d, want %d", rec.Partition, want)
		}
	}
}

func TestPublishUndefinedTopic(t *testing.T) {
	conn := newMemoryConnector(t)
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	_, err := pub.Publish(context.Background(), "eventlane.unknown", testEvent{}, "tenant-a")
	var perr *errspkg.PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PublishError, got %T: %v", err, err)
	}
	if perr.Kind != errspkg.PublishTopologyUnavailable {
		t.Errorf("kind = %q, want %q", perr.Kind, errspkg.PublishTopologyUnavailable)
	}
	if !errors.Is(err, errspkg.ErrTopicNotFound) {
		t.Error("error chain should include ErrTopicNotFound")
	}
}

func TestPublishNilEvent(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	_, err := pub.Publish(context.Background(), pubTestTopic, nil, "tenant-a")
	if !errors.Is(err, errspkg.ErrEventRequired) {
		t.Fatalf("expected ErrEventRequired, got %v", err)
	}
}

func TestPublishEmptyTopic(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn)
	pub := newTestPublisher(t, conn, topo)

	_, err := pub.Publish(context.Background(), "", testEvent{}, "tenant-a")
	if !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
}

func TestPublishUnknownCodec(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	_, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a", WithCodec("msgpack"))
	var perr *errspkg.PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PublishError, got %T: %v", err, err)
	}
	if perr.Kind != errspkg.PublishSerialization {
		t.Errorf("kind = %q, want %q", perr.Kind, errspkg.PublishSerialization)
	}
	if !errors.Is(err, errspkg.ErrUnknownCodec) {
		t.Error("error chain should include ErrUnknownCodec")
	}
}

func TestPublishBrokerRejected(t *testing.T) {
	conn := newStubConnector()
	conn.sendErr = errors.New("disk full")
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	_, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a")
	var perr *errspkg.PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PublishError, got %T: %v", err, err)
	}
	if perr.Kind != errspkg.PublishBrokerRejected {
		t.Errorf("kind = %q, want %q", perr.Kind, errspkg.PublishBrokerRejected)
	}
}

func TestPublishTimeoutKind(t *testing.T) {
	conn := newStubConnector()
	conn.sendErr = context.DeadlineExceeded
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	_, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a")
	var perr *errspkg.PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PublishError, got %T: %v", err, err)
	}
	if perr.Kind != errspkg.PublishTimeout {
		t.Errorf("kind = %q, want %q", perr.Kind, errspkg.PublishTimeout)
	}
}

func TestPublishEnvelopePreservesID(t *testing.T) {
	conn := newMemoryConnector(t)
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	env := newTestEnvelope(t, "tenant-a")
	ack, err := pub.PublishEnvelope(context.Background(), pubTestTopic, env)
	if err != nil {
		t.Fatalf("publish envelope failed: %v", err)
	}

	records, err := conn.Fetch(context.Background(), pubTestTopic, ack.Partition, ack.Offset, 1)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	headers := envelopepkg.Headers(records[0].Headers)
	if got := headers.Get(envelopepkg.HeaderEnvelopeID); got != env.ID {
		t.Errorf("envelope_id = %q, want the pre-minted %q", got, env.ID)
	}
}

func TestPublishEnvelopeInvalid(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	_, err := pub.PublishEnvelope(context.Background(), pubTestTopic, envelopepkg.Envelope{})
	var perr *errspkg.PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PublishError, got %T: %v", err, err)
	}
	if perr.Kind != errspkg.PublishSerialization {
		t.Errorf("kind = %q, want %q", perr.Kind, errspkg.PublishSerialization)
	}
}

func TestPublishOptions(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	env, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a",
		WithCorrelationID("corr-1"),
		WithCausationID("cause-1"),
		WithActorID("user-7"),
		WithTraceID("trace-abc"),
	)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if env.CorrelationID != "corr-1" {
		t.Errorf("correlation = %q, want corr-1", env.CorrelationID)
	}
	if env.CausationID != "cause-1" {
		t.Errorf("causation = %q, want cause-1", env.CausationID)
	}
	if env.ActorID != "user-7" {
		t.Errorf("actor = %q, want user-7", env.ActorID)
	}
	if env.TraceID != "trace-abc" {
		t.Errorf("trace = %q, want trace-abc", env.TraceID)
	}
}

func TestPublishHooksFire(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn, pubTestTopic)

	var published, failed int
	hooks := PublishHooks{
		OnPublished: func(topic string, env envelopepkg.Envelope, ack connector.PublishAck) { published++ },
		OnError:     func(topic string, env envelopepkg.Envelope, err error) { failed++ },
	}
	pub := NewPublisher(conn, topo, codecpkg.NewRegistry(), nopLogger(), WithPublishHooks(hooks))

	if _, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if published != 1 || failed != 0 {
		t.Fatalf("after success: published=%d failed=%d, want 1/0", published, failed)
	}

	conn.sendErr = errors.New("boom")
	if _, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a"); err == nil {
		t.Fatal("expected publish error")
	}
	if published != 1 || failed != 1 {
		t.Fatalf("after failure: published=%d failed=%d, want 1/1", published, failed)
	}
}

func TestPublishEnsuresTopicOnce(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn, pubTestTopic)
	pub := newTestPublisher(t, conn, topo)

	for i := 0; i < 3; i++ {
		if _, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a"); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	ensured := conn.ensuredTopics()
	if len(ensured) != 1 {
		t.Fatalf("topic ensured %d times, want 1 (got %v)", len(ensured), ensured)
	}
}

func TestPublishRecordsMetrics(t *testing.T) {
	conn := newStubConnector()
	topo := newTestTopology(t, conn, pubTestTopic)

	reg := prometheus.NewRegistry()
	metrics := NewTransportMetrics(reg)
	if err := metrics.Register(); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	pub := NewPublisher(conn, topo, codecpkg.NewRegistry(), nopLogger(), WithPublisherMetrics(metrics))

	if _, err := pub.Publish(context.Background(), pubTestTopic, testEvent{}, "tenant-a"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	var found bool
	for _, mf := range families {
		if mf.GetName() == "eventlane_transport_published_total" {
			found = true
		}
	}
	if !found {
		t.Error("eventlane_transport_published_total not collected")
	}
}
