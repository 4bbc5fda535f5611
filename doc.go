// Package eventlane is a tenant-aware event transport for multi-tenant
// platforms. It wraps domain events in self-describing envelopes, routes
// them to partitions by tenant so each tenant's events stay strictly
// ordered, and delivers them to consumer groups with at-least-once
// semantics, bounded retries, and a dead-letter path for envelopes that
// keep failing.
//
// The broker behind the transport is pluggable through the Connector
// interface. Two connectors ship in-tree: an embedded SQLite connector
// for development, tests, and single-node deployments, and a remote NATS
// JetStream connector for production clusters. Both expose the same
// partitioned-log contract, so code written against the embedded
// connector moves to the remote one by changing configuration.
//
// Topics are named "{stream}.{bounded-context}" and created by the
// topology manager, which is additive only: it creates missing topics
// and refuses to shrink or reshape existing ones. Every topic gets a
// companion "{topic}.dlq" dead-letter topic.
//
// A minimal setup fills Config, creates a Service, registers consumer
// groups, and calls Start:
//
//	cfg := &eventlane.Config{
//		ConnectorMode:   "embedded",
//		Stream:          "billing",
//		BoundedContexts: []string{"invoices"},
//	}
//	svc := eventlane.NewService(cfg, logger, ctx, eventlane.ServiceDependencies{})
//	svc.Subscribe("invoice-workers", "invoices", handleInvoice)
//	svc.Start(ctx)
//
// # Envelopes
//
// Publish wraps a DomainEvent in an Envelope carrying a ULID id, the
// tenant id, schema version, correlation and causation ids, and a trace
// id. Envelope ids double as idempotency keys: consumers suppress
// duplicate deliveries of the same envelope id within a partition.
//
// # Consumer groups
//
// A Group assigns topic partitions to joined members deterministically,
// processes one envelope at a time per partition, and commits offsets
// only after the handler succeeds. Retryable failures are retried with
// exponential backoff up to MaxRetries, then the envelope moves to the
// dead-letter topic and the partition advances. Wrap an error with
// Fatal to skip retries entirely.
//
// # Replay
//
// The ReplayManager re-reads historical records through an independent
// cursor without touching any group's committed offsets. Replays take a
// half-open offset window, an optional tenant filter, and report
// per-envelope failures.
//
// # Observability
//
// The Service exposes Prometheus metrics, a health endpoint reporting
// connector and topology status plus per-group lag, and a consumer group
// introspection API. Hooks on the publish and consume paths support
// custom logging and alerting; traces are emitted through OpenTelemetry.
package eventlane
