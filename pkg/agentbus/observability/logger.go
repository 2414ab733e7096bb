// Package observability provides structured logging and distributed tracing
// for the coordination core.
//
// Logging uses slog (Go stdlib); tracing uses OpenTelemetry. All helpers are
// nil-safe so callers can run with observability fully disabled.
package observability

import "log/slog"

// EnrichLogger adds bus context to a logger.
// Returns a new logger with agent_id and correlation_id fields.
func EnrichLogger(logger *slog.Logger, agentID, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("agent_id", agentID),
		slog.String("correlation_id", correlationID),
	)
}

// LogPublish logs an accepted publish.
func LogPublish(logger *slog.Logger, eventID, eventType, source string) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("source_agent_id", source),
	)
}

// LogPublishRejected logs a schema validation rejection.
func LogPublishRejected(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs a contained subscriber failure.
func LogHandlerError(logger *slog.Logger, agentID, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("agent_id", agentID),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogHandlerReplaced logs a last-writer-wins subscription replacement.
func LogHandlerReplaced(logger *slog.Logger, agentID, eventType string) {
	if logger == nil {
		return
	}
	logger.Warn("subscription handler replaced",
		slog.String("agent_id", agentID),
		slog.String("event_type", eventType),
	)
}

// LogDuplicateSkipped logs a redelivery suppressed by the history dedupe.
func LogDuplicateSkipped(logger *slog.Logger, agentID, eventID string) {
	if logger == nil {
		return
	}
	logger.Debug("duplicate delivery skipped",
		slog.String("agent_id", agentID),
		slog.String("event_id", eventID),
	)
}

// LogPublishGivenUp logs a publish abandoned after retries were exhausted.
// The agent's primary operation continues; the event is lost.
func LogPublishGivenUp(logger *slog.Logger, agentID, eventType string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("publish abandoned after retries",
		slog.String("agent_id", agentID),
		slog.String("event_type", eventType),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogDecisionEscalated logs a HITL decision moving up the escalation chain.
func LogDecisionEscalated(logger *slog.Logger, decisionID, workflowID string, tier int) {
	if logger == nil {
		return
	}
	logger.Warn("decision escalated",
		slog.String("decision_id", decisionID),
		slog.String("workflow_id", workflowID),
		slog.Int("tier", tier),
	)
}

// LogWorkflowTransition logs a workflow status change.
func LogWorkflowTransition(logger *slog.Logger, workflowID, from, to string) {
	if logger == nil {
		return
	}
	logger.Info("workflow transition",
		slog.String("workflow_id", workflowID),
		slog.String("from", from),
		slog.String("to", to),
	)
}
