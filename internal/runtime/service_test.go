package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhaus/eventlane/connector"
	configpkg "github.com/streamhaus/eventlane/internal/runtime/config"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type closeCountingConnector struct {
	*stubConnector
	closes int32
}

func (c *closeCountingConnector) Close() error {
	atomic.AddInt32(&c.closes, 1)
	return nil
}

func newStubService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Connector == nil {
		deps.Connector = newStubConnector()
	}
	deps.DisableMetrics = true
	svc, err := TryNewService(cfg, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func newEmbeddedService(t *testing.T, cfg *configpkg.Config) *Service {
	t.Helper()
	svc, err := TryNewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{
		Connector:      newMemoryConnector(t),
		DisableMetrics: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestTryNewServiceBuildsEmbeddedConnector(t *testing.T) {
	cfg := &configpkg.Config{
		ConnectorMode:   "embedded",
		EmbeddedPath:    ":memory:",
		Stream:          "eventlane",
		BoundedContexts: []string{"billing", "shipping"},
		Partitions:      4,
	}
	svc, err := TryNewService(cfg, newTestLogger(), context.Background(), ServiceDependencies{DisableMetrics: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	if svc.Conf != cfg {
		t.Fatal("service config not set")
	}
	if svc.Connector() == nil {
		t.Fatal("expected connector to be built")
	}
	if got := svc.Connector().Health(context.Background()); got != connector.StatusUp {
		t.Fatalf("expected built connector to be connected, health %q", got)
	}

	defined := svc.Topology().Defined()
	if len(defined) != 2 {
		t.Fatalf("expected 2 defined topics, got %d", len(defined))
	}
	if defined[0].Name != "eventlane.billing" || defined[1].Name != "eventlane.shipping" {
		t.Fatalf("unexpected topics: %+v", defined)
	}
	for _, desc := range defined {
		if desc.Partitions != 4 {
			t.Fatalf("expected 4 partitions for %s, got %d", desc.Name, desc.Partitions)
		}
		if desc.Retention.MaxAge != configpkg.DefaultRetentionMaxAge {
			t.Fatalf("expected default retention age, got %v", desc.Retention.MaxAge)
		}
	}
}

func TestTryNewServiceDefaultsTopology(t *testing.T) {
	svc := newStubService(t, &configpkg.Config{}, ServiceDependencies{})

	defined := svc.Topology().Defined()
	if len(defined) != len(configpkg.DefaultBoundedContexts) {
		t.Fatalf("expected %d topics, got %d", len(configpkg.DefaultBoundedContexts), len(defined))
	}
	if defined[0].Name != "eventlane.domain" {
		t.Fatalf("unexpected first topic: %s", defined[0].Name)
	}
	if defined[0].Partitions != configpkg.DefaultPartitions {
		t.Fatalf("expected default partition count, got %d", defined[0].Partitions)
	}
}

func TestNewServiceUnknownConnectorPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for unknown connector mode")
		}
	}()

	NewService(&configpkg.Config{ConnectorMode: "gcp"}, newTestLogger(), context.Background(), ServiceDependencies{})
}

func TestTryNewServiceValidatesConfig(t *testing.T) {
	_, err := TryNewService(&configpkg.Config{ConnectorMode: "remote"}, newTestLogger(), context.Background(), ServiceDependencies{})
	if err == nil {
		t.Fatal("expected error for remote mode without URL")
	}
	assertErrorContains(t, err, "URL is required")
}

func TestTryNewServiceRejectsUnknownCodec(t *testing.T) {
	_, err := TryNewService(&configpkg.Config{Codec: "avro"}, newTestLogger(), context.Background(), ServiceDependencies{
		Connector:      newStubConnector(),
		DisableMetrics: true,
	})
	if !errors.Is(err, errspkg.ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestNewServiceExposesProvidedLogger(t *testing.T) {
	stub := &closeCountingConnector{stubConnector: newStubConnector()}
	logger := newTestLogger()
	svc := NewService(&configpkg.Config{}, logger, context.Background(), ServiceDependencies{
		Connector:      stub,
		DisableMetrics: true,
	})

	if svc.Logger != logger {
		t.Fatal("expected service to expose provided logger")
	}
	if svc.Connector() != stub {
		t.Fatal("expected injected connector to be used")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&stub.closes) != 0 {
		t.Fatal("service must not close an injected connector")
	}
}

func TestTryNewServiceRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc, err := TryNewService(&configpkg.Config{}, newTestLogger(), context.Background(), ServiceDependencies{
		Connector:  newStubConnector(),
		Registerer: reg,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if svc.Metrics() == nil || svc.DeadLetterMetrics() == nil {
		t.Fatal("expected collectors to be built")
	}
	if svc.gatherer == nil {
		t.Fatal("expected custom registry to be used as gatherer")
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServiceRegisterGroup(t *testing.T) {
	svc := newEmbeddedService(t, &configpkg.Config{
		BoundedContexts: []string{"billing"},
		RetryMaxRetries: 7,
	})

	g, err := svc.Subscribe("billing-workers", "billing", func(ctx context.Context, env envelopepkg.Envelope) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Topic() != "eventlane.billing" {
		t.Fatalf("unexpected topic: %s", g.Topic())
	}
	if g.cfg.MaxRetries != 7 {
		t.Fatalf("expected retry default from config, got %d", g.cfg.MaxRetries)
	}

	if got, ok := svc.Group("billing-workers"); !ok || got != g {
		t.Fatal("expected group to be retrievable by name")
	}

	if _, err := svc.Subscribe("billing-workers", "billing", func(ctx context.Context, env envelopepkg.Envelope) error {
		return nil
	}); err == nil {
		t.Fatal("expected error for duplicate group name")
	}

	if _, err := svc.RegisterGroup(GroupConfig{Name: "broken", Topic: "eventlane.billing"}); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
}

func TestServiceRegisterGroupExplicitZeroRetries(t *testing.T) {
	svc := newEmbeddedService(t, &configpkg.Config{
		BoundedContexts: []string{"billing"},
		RetryMaxRetries: 7,
	})

	g, err := svc.RegisterGroup(GroupConfig{
		Name:       "no-retries",
		Topic:      "eventlane.billing",
		MaxRetries: -1,
		Handler: func(ctx context.Context, env envelopepkg.Envelope) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.cfg.MaxRetries != 0 {
		t.Fatalf("expected negative MaxRetries to mean zero, got %d", g.cfg.MaxRetries)
	}
}

func TestServiceStart(t *testing.T) {
	svc := newStubService(t, &configpkg.Config{}, ServiceDependencies{})

	called := false
	originalRun := serviceRun
	defer func() { serviceRun = originalRun }()
	serviceRun = func(ctx context.Context) error {
		called = true
		return nil
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected serviceRun to be called")
	}

	for _, topic := range []string{"eventlane.domain", "eventlane.system"} {
		if _, err := svc.Topology().Partitions(context.Background(), topic); err != nil {
			t.Fatalf("expected %s to be ensured: %v", topic, err)
		}
	}
}

func TestServiceStartRunsGroupsUntilCancelled(t *testing.T) {
	svc := newEmbeddedService(t, &configpkg.Config{BoundedContexts: []string{"billing"}})

	var handled int32
	g, err := svc.Subscribe("billing-workers", "billing", func(ctx context.Context, env envelopepkg.Envelope) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Join("worker-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()

	if _, err := svc.Publish(context.Background(), "billing", testEvent{Ref: "inv-1"}, "tenant-7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&handled) == 1
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service start did not return after context cancellation")
	}
}

func TestServiceRegisterGroupWhileRunning(t *testing.T) {
	svc := newEmbeddedService(t, &configpkg.Config{BoundedContexts: []string{"billing"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitUntil(t, 2*time.Second, func() bool {
		_, err := svc.Topology().Partitions(context.Background(), "eventlane.billing")
		return err == nil
	})

	var handled int32
	g, err := svc.Subscribe("late-workers", "billing", func(ctx context.Context, env envelopepkg.Envelope) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Join("worker-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.Publish(context.Background(), "billing", testEvent{Ref: "inv-2"}, "tenant-7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&handled) == 1
	})
}

func TestServiceGroupInfos(t *testing.T) {
	svc := newEmbeddedService(t, &configpkg.Config{BoundedContexts: []string{"billing", "shipping"}})

	handler := func(ctx context.Context, env envelopepkg.Envelope) error { return nil }
	if _, err := svc.Subscribe("shipping-workers", "shipping", handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Subscribe("billing-workers", "billing", handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	infos := svc.GroupInfos(context.Background())
	if len(infos) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(infos))
	}
	if infos[0].Group != "billing-workers" || infos[1].Group != "shipping-workers" {
		t.Fatalf("expected groups sorted by name, got %+v", infos)
	}

	health := svc.Health()
	if got := health.Groups(); len(got) != 2 {
		t.Fatalf("expected groups to be health-registered, got %v", got)
	}
}

func TestServicePublishUsesContextTopic(t *testing.T) {
	stub := newStubConnector()
	svc := newStubService(t, &configpkg.Config{Stream: "orders", BoundedContexts: []string{"billing"}}, ServiceDependencies{
		Connector: stub,
	})

	env, err := svc.Publish(context.Background(), "billing", testEvent{Ref: "inv-9"}, "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.TenantID != "tenant-1" {
		t.Fatalf("unexpected tenant: %s", env.TenantID)
	}

	sent := stub.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sent))
	}
	if sent[0].topic != "orders.billing" {
		t.Fatalf("unexpected topic: %s", sent[0].topic)
	}
}

func TestServiceSubscribeUnknownTopicFailsOnStart(t *testing.T) {
	svc := newEmbeddedService(t, &configpkg.Config{BoundedContexts: []string{"billing"}})

	g, err := svc.Subscribe("ghost-workers", "ghost", func(ctx context.Context, env envelopepkg.Envelope) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Start(context.Background()); !errors.Is(err, errspkg.ErrTopicNotFound) {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestServiceAccessors(t *testing.T) {
	svc := newStubService(t, &configpkg.Config{}, ServiceDependencies{})

	if svc.Publisher() == nil {
		t.Fatal("expected publisher")
	}
	if svc.DeadLetters() == nil {
		t.Fatal("expected dead-letter manager")
	}
	if svc.Replays() == nil {
		t.Fatal("expected replay manager")
	}
	if svc.Health() == nil {
		t.Fatal("expected health manager")
	}
	if svc.Codecs() == nil {
		t.Fatal("expected codec registry")
	}
	if svc.Metrics() != nil {
		t.Fatal("expected metrics to be disabled")
	}
}

func TestServiceUsesConfiguredTopologyLimits(t *testing.T) {
	svc := newEmbeddedService(t, &configpkg.Config{
		BoundedContexts: []string{"billing"},
		DLQPartitions:   2,
		RetentionMaxAge: time.Hour,
	})

	defined := svc.Topology().Defined()
	if defined[0].Retention.MaxAge != time.Hour {
		t.Fatalf("expected configured retention, got %v", defined[0].Retention.MaxAge)
	}

	dlqTopic := topologypkg.DLQTopicFor("eventlane.billing")
	if err := svc.Topology().Ensure(context.Background(), dlqTopic); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := svc.Connector().TopicPartitions(context.Background(), dlqTopic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected 2 DLQ partitions, got %d", got)
	}
}
