package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder mirrors observations to an external metrics backend.
type Recorder interface {
	// Record exports one observation. Must never block or fail the caller.
	Record(agentID, name string, value float64)
}

// otelRecorder exports observations through the global OTel meter provider.
type otelRecorder struct {
	values metric.Float64Histogram
}

var (
	defaultRecorder     *otelRecorder
	defaultRecorderOnce sync.Once
	defaultRecorderErr  error
)

func getDefaultRecorder() (*otelRecorder, error) {
	defaultRecorderOnce.Do(func() {
		meter := otel.Meter("agentbus")
		values, err := meter.Float64Histogram("agentbus.agent.metric",
			metric.WithDescription("Agent-reported performance metric values"),
		)
		if err != nil {
			defaultRecorderErr = err
			return
		}
		defaultRecorder = &otelRecorder{values: values}
	})
	return defaultRecorder, defaultRecorderErr
}

// NewOTelRecorder returns a Recorder backed by OpenTelemetry. If metric
// initialization fails it returns a no-op recorder - observability must not
// break agents.
//
// Configure the global meter provider before calling:
//
//	otel.SetMeterProvider(yourProvider)
func NewOTelRecorder() Recorder {
	r, err := getDefaultRecorder()
	if err != nil {
		return NoopRecorder{}
	}
	return r
}

// Record implements Recorder.
func (r *otelRecorder) Record(agentID, name string, value float64) {
	r.values.Record(context.Background(), value,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("metric.name", name),
		),
	)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

// Record implements Recorder.
func (NoopRecorder) Record(string, string, float64) {}
