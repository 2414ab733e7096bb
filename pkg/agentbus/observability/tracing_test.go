package observability_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

func setupExporter(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	return exporter
}

func attrValue(span tracetest.SpanStub, key attribute.Key) string {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestPublishSpanAttributes(t *testing.T) {
	exporter := setupExporter(t)
	m := observability.NewSpanManager()

	_, span := m.StartPublishSpan(context.Background(), "task.completed", "evt-1", "corr-1")
	m.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "agentbus.publish" {
		t.Errorf("span name = %q", got.Name)
	}
	if v := attrValue(got, "event.type"); v != "task.completed" {
		t.Errorf("event.type attribute = %q", v)
	}
	if v := attrValue(got, "event.correlation_id"); v != "corr-1" {
		t.Errorf("correlation attribute = %q", v)
	}
	if got.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", got.Status.Code)
	}
}

func TestDispatchSpanRecordsError(t *testing.T) {
	exporter := setupExporter(t)
	m := observability.NewSpanManager()

	_, span := m.StartDispatchSpan(context.Background(), "agent-a", "task.completed")
	m.EndSpanWithError(span, errors.New("handler exploded"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "agentbus.dispatch.agent-a" {
		t.Errorf("span name = %q", got.Name)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status.Code)
	}
	if len(got.Events) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}

func TestNoopSpanManager(t *testing.T) {
	m := observability.NoopSpanManager{}
	ctx := context.Background()

	got, span := m.StartPublishSpan(ctx, "t", "id", "corr")
	if got != ctx {
		t.Error("noop manager should return the context unchanged")
	}
	// Must not panic with or without an error.
	m.EndSpanWithError(span, nil)
	m.EndSpanWithError(span, errors.New("ignored"))
}
