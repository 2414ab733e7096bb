// Package event defines the event envelope and the schema registry used to
// validate events before dispatch.
//
// Events are immutable once created - any follow-up is a new event linked by
// correlation and causation identifiers. The registry is a closed set: an
// event whose type is not registered is rejected, never silently passed
// through, so ad-hoc event-name strings across independent agents cannot
// drift undetected.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable envelope carried by the bus.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"event_id"`

	// Type is the registered event type (e.g., "task.completed").
	Type string `json:"event_type"`

	// SourceAgent identifies the publishing agent.
	SourceAgent string `json:"source_agent_id"`

	// CorrelationID groups causally-related events across a workflow.
	CorrelationID string `json:"correlation_id"`

	// CausationID is the ID of the event that directly caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// CreatedAt is when the event was created.
	CreatedAt time.Time `json:"created_at"`

	// SchemaVersion is the payload schema version.
	SchemaVersion int `json:"schema_version"`

	// Payload is the schema-checked event body.
	Payload map[string]any `json:"payload"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// WithCorrelationID continues an existing causal chain.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithCausationID records the event that caused this one.
func WithCausationID(id string) Option {
	return func(e *Event) { e.CausationID = id }
}

// WithCreatedAt sets a specific creation time (default: time.Now).
func WithCreatedAt(t time.Time) Option {
	return func(e *Event) { e.CreatedAt = t }
}

// WithSchemaVersion sets the payload schema version (default: 1).
func WithSchemaVersion(v int) Option {
	return func(e *Event) { e.SchemaVersion = v }
}

// New creates an event. When no correlation ID is supplied the event ID
// becomes the root of a new causal chain.
func New(eventType, sourceAgent string, payload map[string]any, opts ...Option) *Event {
	e := &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		SourceAgent:   sourceAgent,
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: 1,
		Payload:       payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return e
}

// NewFromParent creates a follow-up event caused by parent. It inherits the
// parent's correlation ID and records the parent as causation.
func NewFromParent(parent *Event, eventType, sourceAgent string, payload map[string]any, opts ...Option) *Event {
	base := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.ID),
	}
	return New(eventType, sourceAgent, payload, append(base, opts...)...)
}

// Clone returns a deep copy. The bus hands clones to subscribers so a
// misbehaving handler cannot mutate the envelope seen by others.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an event from JSON.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
