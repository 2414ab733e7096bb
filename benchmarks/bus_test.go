package benchmarks

import (
	"context"
	"testing"

	"github.com/randalmurphal/agentbus/pkg/agentbus"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

// noopHandler does minimal work to measure dispatch overhead.
func noopHandler(ctx context.Context, evt *event.Event) error {
	return nil
}

func benchRegistry() *event.Registry {
	r := event.NewRegistry()
	r.MustRegister(&event.Schema{
		Type:     "bench.event",
		Version:  1,
		Optional: map[string]event.FieldKind{"n": event.KindNumber},
	})
	return r
}

func newBenchBus(b *testing.B, subscribers int) *agentbus.Bus {
	b.Helper()
	bus, err := agentbus.NewBus(agentbus.BusConfig{
		Registry:   benchRegistry(),
		BufferSize: 1024,
	})
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < subscribers; i++ {
		agentID := "agent-" + string(rune('a'+i%26)) + string(rune('0'+i/26%10))
		if _, err := bus.Subscribe(agentID, "bench.event", noopHandler); err != nil {
			b.Fatal(err)
		}
	}
	b.Cleanup(func() { bus.Close() })
	return bus
}

// BenchmarkPublish_1Subscriber measures single-subscriber publish cost.
func BenchmarkPublish_1Subscriber(b *testing.B) {
	benchPublish(b, 1)
}

// BenchmarkPublish_10Subscribers measures fan-out to 10 subscribers.
func BenchmarkPublish_10Subscribers(b *testing.B) {
	benchPublish(b, 10)
}

// BenchmarkPublish_50Subscribers measures fan-out to 50 subscribers.
func BenchmarkPublish_50Subscribers(b *testing.B) {
	benchPublish(b, 50)
}

func benchPublish(b *testing.B, subscribers int) {
	bus := newBenchBus(b, subscribers)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evt := event.New("bench.event", "bench-source", map[string]any{"n": float64(i)})
		if err := bus.Publish(ctx, evt); err != nil {
			b.Fatal(err)
		}
	}
	bus.Drain(ctx)
}

// BenchmarkValidate measures schema validation in isolation.
func BenchmarkValidate(b *testing.B) {
	r := event.NewCoreRegistry()
	evt := event.New(event.TypeTaskCompleted, "agent-a", map[string]any{
		"workflow_id": "wf-1",
		"step_index":  float64(3),
		"result":      "ok",
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := r.Validate(evt); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEventClone measures the per-dispatch envelope copy.
func BenchmarkEventClone(b *testing.B) {
	evt := event.New("bench.event", "agent-a", map[string]any{
		"a": 1, "b": "two", "c": []any{1, 2, 3},
	})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evt.Clone()
	}
}
