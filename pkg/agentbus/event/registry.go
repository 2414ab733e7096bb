package event

import (
	"fmt"
	"sort"
	"sync"

	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
)

// FieldKind is the expected JSON kind of a payload field.
type FieldKind string

// Payload field kinds.
const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
	KindAny    FieldKind = "any"
)

// matches reports whether v has this kind. JSON numbers arrive as float64,
// but payloads built in-process may carry native int kinds too.
func (k FieldKind) matches(v any) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	case KindAny:
		return true
	}
	return false
}

// Schema declares the shape of one event type at one version.
type Schema struct {
	// Type is the event type (e.g., "task.completed").
	Type string

	// Version is the schema version number.
	Version int

	// Description explains the event's purpose.
	Description string

	// Required maps required payload field names to their expected kinds.
	Required map[string]FieldKind

	// Optional maps optional payload field names to their expected kinds.
	// Optional fields are only kind-checked when present.
	Optional map[string]FieldKind

	// Validator is an optional extra validation hook run after the
	// structural checks pass.
	Validator func(*Event) error
}

// Registry is the closed set of event types the bus accepts.
// It is read-heavy: validation takes a read lock, registration a write lock.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema. Registering the same type again replaces it.
func (r *Registry) Register(s *Schema) error {
	if s.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if s.Version <= 0 {
		return fmt.Errorf("schema version must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Type] = s
	return nil
}

// MustRegister adds a schema, panicking on error. For package init use.
func (r *Registry) MustRegister(s *Schema) {
	if err := r.Register(s); err != nil {
		panic(fmt.Sprintf("register event schema: %v", err))
	}
}

// Has reports whether a schema exists for the event type.
func (r *Registry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Get returns the schema for an event type.
func (r *Registry) Get(eventType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// Types returns all registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks an event against its registered schema. Unknown event
// types are rejected. The check is pure: no side effects, no mutation.
func (r *Registry) Validate(evt *Event) error {
	if evt == nil {
		return &buserrors.ValidationError{Message: "nil event"}
	}

	r.mu.RLock()
	schema, ok := r.schemas[evt.Type]
	r.mu.RUnlock()

	if !ok {
		return &buserrors.ValidationError{
			EventType: evt.Type,
			Message:   "unknown event type",
		}
	}

	verr := &buserrors.ValidationError{EventType: evt.Type}
	for name, kind := range schema.Required {
		v, present := evt.Payload[name]
		if !present {
			verr.Missing = append(verr.Missing, name)
			continue
		}
		if !kind.matches(v) {
			verr.Invalid = append(verr.Invalid, name)
		}
	}
	for name, kind := range schema.Optional {
		if v, present := evt.Payload[name]; present && !kind.matches(v) {
			verr.Invalid = append(verr.Invalid, name)
		}
	}
	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		sort.Strings(verr.Missing)
		sort.Strings(verr.Invalid)
		return verr
	}

	if schema.Validator != nil {
		if err := schema.Validator(evt); err != nil {
			return &buserrors.ValidationError{
				EventType: evt.Type,
				Message:   err.Error(),
			}
		}
	}
	return nil
}
