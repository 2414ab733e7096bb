// Package agentbus is the event-driven coordination core for a fleet of
// autonomous agents.
//
// Agents publish typed, schema-validated events through a per-agent Adapter
// and subscribe to event classes on the Bus. The bus fans out concurrently
// with at-least-once semantics, isolates handler failures, records every
// outcome in a per-agent history log, and feeds a performance monitor.
// Higher layers add workflow orchestration and human-in-the-loop decisions:
//
//   - event: envelope and schema registry
//   - history: append-only per-agent processing log (idempotence ledger)
//   - metrics: per-agent performance monitor with OTel export
//   - observability: slog helpers and OTel trace spans
//   - hitl: pending human decisions with timeouts and escalation
//   - workflow: the orchestrator's step state machine
//   - outbox: optional SQLite journal for crash redelivery
//
// The bus is an explicit instance passed by dependency injection; there is
// no global singleton. Lifecycle is New at process start and Close draining
// in-flight dispatches at shutdown.
package agentbus
