package event_test

import (
	"errors"
	"testing"

	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

func TestRegistryRejectsUnknownType(t *testing.T) {
	r := event.NewCoreRegistry()
	evt := event.New("made.up.type", "agent-a", map[string]any{})

	err := r.Validate(evt)
	if err == nil {
		t.Fatal("expected validation error for unknown type")
	}
	var verr *buserrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestRegistryMissingRequiredField(t *testing.T) {
	r := event.NewCoreRegistry()
	// The canonical rejection case: experiment start without its ID.
	evt := event.New(event.TypeExperimentStarted, "agent-lab", map[string]any{})

	err := r.Validate(evt)
	var verr *buserrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "experiment_id" {
		t.Errorf("expected missing [experiment_id], got %v", verr.Missing)
	}
}

func TestRegistryWrongFieldKind(t *testing.T) {
	r := event.NewCoreRegistry()
	evt := event.New(event.TypeExperimentStarted, "agent-lab", map[string]any{
		"experiment_id": 12345, // must be a string
	})

	err := r.Validate(evt)
	var verr *buserrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Invalid) != 1 || verr.Invalid[0] != "experiment_id" {
		t.Errorf("expected invalid [experiment_id], got %v", verr.Invalid)
	}
}

func TestRegistryOptionalFieldKindChecked(t *testing.T) {
	r := event.NewCoreRegistry()
	evt := event.New(event.TypeExperimentStarted, "agent-lab", map[string]any{
		"experiment_id": "exp-1",
		"parameters":    "not-an-object",
	})

	err := r.Validate(evt)
	var verr *buserrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Invalid) != 1 || verr.Invalid[0] != "parameters" {
		t.Errorf("expected invalid [parameters], got %v", verr.Invalid)
	}
}

func TestRegistryAcceptsValidEvent(t *testing.T) {
	r := event.NewCoreRegistry()
	evt := event.New(event.TypeExperimentStarted, "agent-lab", map[string]any{
		"experiment_id": "exp-1",
		"parameters":    map[string]any{"temperature": 0.7},
	})

	if err := r.Validate(evt); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}

func TestRegistryNumberKindAcceptsInts(t *testing.T) {
	// Payloads built in-process carry native ints; JSON decoding yields
	// float64. Both must satisfy a number field.
	r := event.NewCoreRegistry()

	for _, stepIndex := range []any{2, float64(2), int64(2)} {
		evt := event.New(event.TypeTaskCompleted, "agent-a", map[string]any{
			"workflow_id": "wf-1",
			"step_index":  stepIndex,
		})
		if err := r.Validate(evt); err != nil {
			t.Errorf("step_index %T rejected: %v", stepIndex, err)
		}
	}
}

func TestRegistryCustomValidator(t *testing.T) {
	r := event.NewRegistry()
	r.MustRegister(&event.Schema{
		Type:     "custom.checked",
		Version:  1,
		Required: map[string]event.FieldKind{"count": event.KindNumber},
		Validator: func(evt *event.Event) error {
			if evt.Payload["count"].(float64) < 0 {
				return errors.New("count must be non-negative")
			}
			return nil
		},
	})

	good := event.New("custom.checked", "agent-a", map[string]any{"count": float64(3)})
	if err := r.Validate(good); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	bad := event.New("custom.checked", "agent-a", map[string]any{"count": float64(-1)})
	if err := r.Validate(bad); err == nil {
		t.Fatal("expected custom validator rejection")
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := event.NewRegistry()
	r.MustRegister(&event.Schema{Type: "x", Version: 1})
	r.MustRegister(&event.Schema{Type: "x", Version: 2})

	s, ok := r.Get("x")
	if !ok || s.Version != 2 {
		t.Fatalf("expected replacement schema v2, got %+v", s)
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	r := event.NewRegistry()
	r.MustRegister(&event.Schema{Type: "b.event", Version: 1})
	r.MustRegister(&event.Schema{Type: "a.event", Version: 1})

	types := r.Types()
	if len(types) != 2 || types[0] != "a.event" || types[1] != "b.event" {
		t.Errorf("expected sorted types, got %v", types)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := event.NewRegistry()
	if err := r.Register(&event.Schema{Version: 1}); err == nil {
		t.Error("expected error for empty type")
	}
	if err := r.Register(&event.Schema{Type: "x", Version: 0}); err == nil {
		t.Error("expected error for non-positive version")
	}
}
