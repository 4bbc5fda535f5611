/*
Package runtime provides the core event transport infrastructure for
eventlane.

# Architecture Overview

The runtime package implements a partitioned, tenant-ordered event
transport on top of the pluggable Connector interface. Envelopes are
routed to partitions by tenant id, delivered to consumer groups with
at-least-once semantics, and quarantined to dead-letter topics when
handlers keep failing.

# Package Structure

The runtime package is organized into the following components:

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Broker connection (Connector)
  - Topology manager and configured topics
  - Publisher, dead-letter, replay, and health managers
  - Consumer group registry and lifecycle
  - HTTP servers for metrics and the introspection API

## Publishing (publisher.go)

The Publisher stamps envelopes, encodes them with the configured codec,
routes them to a partition by tenant, and reports publish failures with
their kind (serialization, topology, broker).

## Consumer Groups (consumer.go, assignment.go)

A Group assigns partitions to joined members deterministically, runs one
worker per owned partition, and commits offsets only after the handler
succeeds. Failures run through exponential backoff up to the retry
budget, then the envelope moves to the dead-letter topic and the
partition advances. Handler panics are recovered and treated as handler
errors.

## Dead Letters (dlq.go)

The DeadLetterManager quarantines failing envelopes with their failure
context, lists and counts quarantined records, and re-publishes selected
records to their original topic.

## Replay (replay.go)

The ReplayManager re-reads half-open offset windows through an
independent cursor, optionally filtered by tenant, without touching any
group's committed offsets.

## Health (health.go, webui.go)

Connector and topology status plus per-group lag, served as JSON next to
the Prometheus metrics endpoint and the consumer group API.

## Stats & Monitoring (stats.go, metrics.go, dlq_metrics.go)

Extended metrics collection for consumer group performance:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling

# Sub-packages

  - codec/: Envelope codecs (self-describing JSON, compact binary)
  - config/: Service configuration with validation
  - envelope/: Envelope model, domain event contract, wire headers
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for envelope IDs
  - logging/: Logger interface and adapters
  - partition/: Deterministic tenant-to-partition routing
  - topology/: Additive topic management and naming

# Usage Example

	cfg := &configpkg.Config{
		ConnectorMode:   "embedded",
		Stream:          "billing",
		BoundedContexts: []string{"invoices"},
		MetricsEnabled:  true,
		MetricsPort:     9090,
	}

	svc := runtime.NewService(cfg, logger, ctx, runtime.ServiceDependencies{})

	svc.Subscribe("invoice-workers", "invoices", func(ctx context.Context, env envelope.Envelope) error {
		return processInvoice(ctx, env)
	})

	svc.Start(ctx)
*/
package runtime
