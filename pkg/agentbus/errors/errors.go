// Package errors defines the error taxonomy for the agent coordination core.
//
// The taxonomy determines propagation: validation and state-machine errors
// surface synchronously to the caller, while handler and transport errors are
// contained and only visible through history, metrics, and logs. A single
// misbehaving subscriber must never be able to fail the rest of the system.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError indicates an event was rejected before dispatch because it
// does not conform to its registered schema, or its type is unknown.
type ValidationError struct {
	EventType string
	Missing   []string // required fields absent from the payload
	Invalid   []string // fields present with the wrong kind
	Message   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing fields: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid fields: %s", strings.Join(e.Invalid, ", ")))
	}
	if len(parts) == 0 {
		parts = append(parts, "schema validation failed")
	}
	return fmt.Sprintf("event type %q: %s", e.EventType, strings.Join(parts, "; "))
}

// HandlerError indicates a subscriber's processing of an event failed.
// It is recorded in the subscriber's history and never reaches the publisher.
type HandlerError struct {
	EventID string
	AgentID string
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("agent %s failed handling event %s: %v", e.AgentID, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TransportError indicates a transient failure delivering an event to the
// bus. Transport errors are retryable.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// StateTransitionError indicates an illegal workflow or HITL decision state
// transition. The state machine is left unchanged.
type StateTransitionError struct {
	Entity string // "workflow" or "decision"
	ID     string
	From   string
	To     string
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// TimeoutError indicates a deadline elapsed, such as an unresolved HITL
// decision passing its timeout. It triggers escalation, not a hard failure.
type TimeoutError struct {
	Op       string
	Deadline time.Time
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: deadline %s exceeded", e.Op, e.Deadline.Format(time.RFC3339))
}

// IsRetryable reports whether retrying the operation may help.
// Only transport-level failures are retryable; validation, handler, and
// state-machine errors are deterministic.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a schema validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStateTransition reports whether err is an illegal state transition.
func IsStateTransition(err error) bool {
	var se *StateTransitionError
	return errors.As(err, &se)
}
