// Package workflow implements the orchestrator: the top-level coordinator
// that assigns workflow steps to agents, consumes their completion and
// failure events, retries failed steps within a budget, and hands ambiguous
// outcomes to the HITL decision manager.
//
// Workflows requiring a strict multi-agent sequence rely on this explicit
// step chaining, not on bus ordering: the bus only guarantees per-source
// FIFO.
package workflow

import (
	"fmt"
	"time"
)

// Status is a workflow's lifecycle state.
type Status string

// Workflow statuses.
const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusWaitingHITL Status = "waiting_hitl"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusEscalated   Status = "escalated"
)

// terminal reports whether a workflow in this status can no longer change.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusEscalated
}

// StepStatus is one step's state within a workflow.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step names the target agent and the task payload for one workflow step.
// Assignment is deterministic: every step carries its agent ID explicitly.
type Step struct {
	AgentID string         `yaml:"agent_id" json:"agent_id"`
	Task    map[string]any `yaml:"task,omitempty" json:"task,omitempty"`
}

// Definition describes a workflow to run.
type Definition struct {
	ID    string `yaml:"id" json:"id"`
	Steps []Step `yaml:"steps" json:"steps"`

	// MaxStepAttempts bounds retries per step (including the first attempt).
	// Default: 3.
	MaxStepAttempts int `yaml:"max_step_attempts,omitempty" json:"max_step_attempts,omitempty"`

	// RetryBackoff is the base delay before a step retry, doubled per
	// attempt. Default: 200ms.
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`

	// HITLTimeout is the deadline for decisions raised by this workflow.
	// Default: 15 minutes.
	HITLTimeout time.Duration `yaml:"hitl_timeout,omitempty" json:"hitl_timeout,omitempty"`
}

// Validate checks a definition before Start accepts it.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow ID is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", d.ID)
	}
	for i, step := range d.Steps {
		if step.AgentID == "" {
			return fmt.Errorf("workflow %s: step %d has no agent ID", d.ID, i)
		}
	}
	return nil
}

// StepRecord tracks one step's progress.
type StepRecord struct {
	AgentID  string     `json:"agent_id"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

// State is the orchestrator's view of one workflow. Mutated only by
// orchestrator event handlers; archived once terminal.
type State struct {
	WorkflowID    string       `json:"workflow_id"`
	Status        Status       `json:"status"`
	CurrentStep   int          `json:"current_step_index"`
	Steps         []StepRecord `json:"steps"`
	CorrelationID string       `json:"correlation_id"`

	// DecisionID is the pending HITL decision while waiting_hitl.
	DecisionID string `json:"decision_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a copy safe to hand outside the orchestrator's lock.
func (s *State) clone() State {
	cp := *s
	cp.Steps = make([]StepRecord, len(s.Steps))
	copy(cp.Steps, s.Steps)
	return cp
}
