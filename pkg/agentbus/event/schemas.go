package event

// Well-known event types published by the agent fleet.
const (
	TypeTaskAssigned  = "task.assigned"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"

	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"
	TypeWorkflowEscalated = "workflow.escalated"

	TypeHITLRequested = "hitl.requested"
	TypeHITLResolved  = "hitl.resolved"
	TypeHITLEscalated = "hitl.escalated"

	TypeExperimentStarted = "ai_experiment.started"
	TypeAgentHeartbeat    = "agent.heartbeat"
)

// CoreSchemas returns the schema set for the coordination core's own event
// types. Agents register their domain-specific schemas on top of these.
func CoreSchemas() []*Schema {
	return []*Schema{
		{
			Type:        TypeTaskAssigned,
			Version:     1,
			Description: "A workflow step has been assigned to an agent.",
			Required: map[string]FieldKind{
				"workflow_id": KindString,
				"step_index":  KindNumber,
				"agent_id":    KindString,
				"task":        KindAny,
			},
		},
		{
			Type:        TypeTaskCompleted,
			Version:     1,
			Description: "An agent finished its assigned step.",
			Required: map[string]FieldKind{
				"workflow_id": KindString,
				"step_index":  KindNumber,
			},
			Optional: map[string]FieldKind{
				"result":        KindAny,
				"hitl_required": KindBool,
			},
		},
		{
			Type:        TypeTaskFailed,
			Version:     1,
			Description: "An agent failed its assigned step.",
			Required: map[string]FieldKind{
				"workflow_id": KindString,
				"step_index":  KindNumber,
				"error":       KindString,
			},
		},
		{
			Type:        TypeWorkflowStarted,
			Version:     1,
			Description: "The orchestrator began executing a workflow.",
			Required: map[string]FieldKind{
				"workflow_id": KindString,
				"steps":       KindNumber,
			},
		},
		{
			Type:        TypeWorkflowCompleted,
			Version:     1,
			Description: "All workflow steps finished successfully.",
			Required: map[string]FieldKind{
				"workflow_id": KindString,
			},
		},
		{
			Type:        TypeWorkflowFailed,
			Version:     1,
			Description: "A workflow halted after exhausting retries.",
			Required: map[string]FieldKind{
				"workflow_id": KindString,
				"error":       KindString,
			},
		},
		{
			Type:        TypeWorkflowEscalated,
			Version:     1,
			Description: "A workflow escalated past its HITL chain.",
			Required: map[string]FieldKind{
				"workflow_id": KindString,
			},
		},
		{
			Type:        TypeHITLRequested,
			Version:     1,
			Description: "A workflow step requires human judgement.",
			Required: map[string]FieldKind{
				"decision_id": KindString,
				"workflow_id": KindString,
			},
			Optional: map[string]FieldKind{
				"context": KindAny,
			},
		},
		{
			Type:        TypeHITLResolved,
			Version:     1,
			Description: "A human (or fallback agent) resolved a decision.",
			Required: map[string]FieldKind{
				"decision_id": KindString,
				"workflow_id": KindString,
				"resolution":  KindString,
			},
		},
		{
			Type:        TypeHITLEscalated,
			Version:     1,
			Description: "A decision timed out and moved up the escalation chain.",
			Required: map[string]FieldKind{
				"decision_id": KindString,
				"workflow_id": KindString,
				"tier":        KindNumber,
			},
		},
		{
			Type:        TypeExperimentStarted,
			Version:     1,
			Description: "An AI experiment run began.",
			Required: map[string]FieldKind{
				"experiment_id": KindString,
			},
			Optional: map[string]FieldKind{
				"parameters": KindObject,
			},
		},
		{
			Type:        TypeAgentHeartbeat,
			Version:     1,
			Description: "Periodic liveness signal from an agent.",
			Required: map[string]FieldKind{
				"agent_id": KindString,
			},
			Optional: map[string]FieldKind{
				"uptime_seconds": KindNumber,
			},
		},
	}
}

// NewCoreRegistry returns a registry preloaded with the core schema set.
func NewCoreRegistry() *Registry {
	r := NewRegistry()
	for _, s := range CoreSchemas() {
		r.MustRegister(s)
	}
	return r
}
