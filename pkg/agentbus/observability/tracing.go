package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the agentbus tracer instance, from the global tracer provider.
var tracer = otel.Tracer("agentbus")

// SpanManager handles trace span lifecycle around publishes and dispatches.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span covering validation and fan-out of one
	// event. The correlation ID rides on the span for cross-event grouping.
	StartPublishSpan(ctx context.Context, eventType, eventID, correlationID string) (context.Context, trace.Span)

	// StartDispatchSpan starts a span for one subscriber handler invocation,
	// child of the publish span.
	StartDispatchSpan(ctx context.Context, agentID, eventType string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager backed by the global OTel tracer
// provider. Configure the provider before use:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, eventType, eventID, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentbus.publish",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.id", eventID),
			attribute.String("event.correlation_id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, agentID, eventType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentbus.dispatch."+agentID,
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NoopSpanManager disables tracing.
type NoopSpanManager struct{}

// StartPublishSpan implements SpanManager.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// StartDispatchSpan implements SpanManager.
func (NoopSpanManager) StartDispatchSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// EndSpanWithError implements SpanManager.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}
