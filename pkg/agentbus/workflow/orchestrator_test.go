package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentbus/pkg/agentbus"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/hitl"
	"github.com/randalmurphal/agentbus/pkg/agentbus/workflow"
)

// harness wires a bus, a HITL manager, and an orchestrator the way the CLI
// daemon does.
type harness struct {
	bus  *agentbus.Bus
	hitl *hitl.Manager
	orch *workflow.Orchestrator

	mu       sync.Mutex
	terminal []*event.Event
}

func newHarness(t *testing.T, hitlCfg hitl.ManagerConfig) *harness {
	t.Helper()

	bus, err := agentbus.NewBus(agentbus.BusConfig{Registry: event.NewCoreRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	if hitlCfg.Publisher == nil {
		hitlCfg.Publisher = agentbus.NewAdapter(bus, "hitl-manager")
	}
	mgr := hitl.NewManager(hitlCfg)

	orch, err := workflow.NewOrchestrator(bus, mgr)
	require.NoError(t, err)

	h := &harness{bus: bus, hitl: mgr, orch: orch}
	for _, eventType := range []string{
		event.TypeWorkflowCompleted,
		event.TypeWorkflowFailed,
		event.TypeWorkflowEscalated,
	} {
		_, err := bus.Subscribe("observer", eventType, func(ctx context.Context, evt *event.Event) error {
			h.mu.Lock()
			h.terminal = append(h.terminal, evt)
			h.mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.bus.Drain(ctx))
}

func (h *harness) terminalEvents(eventType string) []*event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*event.Event
	for _, evt := range h.terminal {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// workerBehavior decides one attempt's outcome for a step assigned to this
// worker. Returning failure="" means success.
type workerBehavior func(stepIndex, attempt int) (failure string, hitlRequired bool)

// registerWorker subscribes a simulated agent that answers its assignments.
func registerWorker(t *testing.T, h *harness, agentID string, behave workerBehavior) {
	t.Helper()
	adapter := agentbus.NewAdapter(h.bus, agentID)

	var mu sync.Mutex
	attempts := make(map[int]int)

	_, err := adapter.Subscribe(event.TypeTaskAssigned, func(ctx context.Context, evt *event.Event) error {
		if target, _ := evt.Payload["agent_id"].(string); target != agentID {
			return nil
		}
		stepIndex := asInt(evt.Payload["step_index"])
		workflowID := evt.Payload["workflow_id"].(string)

		mu.Lock()
		attempts[stepIndex]++
		attempt := attempts[stepIndex]
		mu.Unlock()

		failure, hitlRequired := behave(stepIndex, attempt)
		if failure != "" {
			_, err := adapter.PublishFromParent(ctx, evt, event.TypeTaskFailed, map[string]any{
				"workflow_id": workflowID,
				"step_index":  stepIndex,
				"error":       failure,
			})
			return err
		}
		payload := map[string]any{
			"workflow_id": workflowID,
			"step_index":  stepIndex,
			"result":      "done",
		}
		if hitlRequired {
			payload["hitl_required"] = true
		}
		_, err := adapter.PublishFromParent(ctx, evt, event.TypeTaskCompleted, payload)
		return err
	})
	require.NoError(t, err)
}

func alwaysSucceed(stepIndex, attempt int) (string, bool) { return "", false }

// asInt accepts the in-process int and the post-JSON float64 forms.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}

func waitTerminal(t *testing.T, h *harness, workflowID string) workflow.State {
	t.Helper()
	var state workflow.State
	require.Eventually(t, func() bool {
		s, ok := h.orch.Get(workflowID)
		if !ok {
			return false
		}
		state = s
		switch s.Status {
		case workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusEscalated:
			return true
		}
		return false
	}, 5*time.Second, 2*time.Millisecond)
	h.drain(t)
	return state
}

func TestWorkflowRunsAllSteps(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	registerWorker(t, h, "agent-a", alwaysSucceed)
	registerWorker(t, h, "agent-b", alwaysSucceed)

	def := workflow.Definition{
		ID: "wf-happy",
		Steps: []workflow.Step{
			{AgentID: "agent-a", Task: map[string]any{"op": "extract"}},
			{AgentID: "agent-b", Task: map[string]any{"op": "transform"}},
			{AgentID: "agent-a", Task: map[string]any{"op": "load"}},
		},
	}
	state, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, state.Status)
	require.NotEmpty(t, state.CorrelationID)

	final := waitTerminal(t, h, "wf-happy")
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	require.Len(t, final.Steps, 3)
	for i, step := range final.Steps {
		assert.Equal(t, workflow.StepCompleted, step.Status, "step %d", i)
		assert.Equal(t, 1, step.Attempts, "step %d", i)
	}

	completed := h.terminalEvents(event.TypeWorkflowCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "wf-happy", completed[0].Payload["workflow_id"])
	assert.Equal(t, state.CorrelationID, completed[0].CorrelationID,
		"terminal event must stay on the workflow's correlation chain")
}

func TestStepRetriesWithinBudget(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	registerWorker(t, h, "agent-a", func(stepIndex, attempt int) (string, bool) {
		if attempt < 3 {
			return "transient glitch", false
		}
		return "", false
	})

	def := workflow.Definition{
		ID:              "wf-retry",
		Steps:           []workflow.Step{{AgentID: "agent-a"}},
		MaxStepAttempts: 3,
		RetryBackoff:    time.Millisecond,
	}
	_, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)

	final := waitTerminal(t, h, "wf-retry")
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Steps[0].Attempts)
	assert.Equal(t, workflow.StepCompleted, final.Steps[0].Status)
}

func TestRetryBudgetExhaustedFailsWorkflow(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	registerWorker(t, h, "agent-a", alwaysSucceed)
	registerWorker(t, h, "agent-b", func(stepIndex, attempt int) (string, bool) {
		return "broken dependency", false
	})

	def := workflow.Definition{
		ID: "wf-doomed",
		Steps: []workflow.Step{
			{AgentID: "agent-a"},
			{AgentID: "agent-a"},
			{AgentID: "agent-b"},
		},
		MaxStepAttempts: 3,
		RetryBackoff:    time.Millisecond,
	}
	_, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)

	final := waitTerminal(t, h, "wf-doomed")
	assert.Equal(t, workflow.StatusFailed, final.Status)

	require.Len(t, final.Steps, 3)
	assert.Equal(t, workflow.StepCompleted, final.Steps[0].Status)
	assert.Equal(t, workflow.StepCompleted, final.Steps[1].Status)
	assert.Equal(t, workflow.StepFailed, final.Steps[2].Status)
	assert.Equal(t, 3, final.Steps[2].Attempts)
	assert.Equal(t, "broken dependency", final.Steps[2].Error)

	failed := h.terminalEvents(event.TypeWorkflowFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken dependency", failed[0].Payload["error"])
}

func TestHITLApprovalResumesWorkflow(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	registerWorker(t, h, "agent-a", func(stepIndex, attempt int) (string, bool) {
		return "", stepIndex == 0 // first step needs review
	})

	def := workflow.Definition{
		ID: "wf-review",
		Steps: []workflow.Step{
			{AgentID: "agent-a"},
			{AgentID: "agent-a"},
		},
	}
	_, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)
	h.drain(t)

	state, ok := h.orch.Get("wf-review")
	require.True(t, ok)
	require.Equal(t, workflow.StatusWaitingHITL, state.Status)
	require.NotEmpty(t, state.DecisionID)
	assert.Equal(t, 1, h.hitl.Pending())

	require.NoError(t, h.hitl.Resolve(context.Background(), state.DecisionID, "approved"))

	final := waitTerminal(t, h, "wf-review")
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Equal(t, workflow.StepCompleted, final.Steps[0].Status)
	assert.Equal(t, workflow.StepCompleted, final.Steps[1].Status)
}

func TestHITLRejectionFailsWorkflow(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	registerWorker(t, h, "agent-a", func(stepIndex, attempt int) (string, bool) {
		return "", true
	})

	def := workflow.Definition{
		ID:    "wf-vetoed",
		Steps: []workflow.Step{{AgentID: "agent-a"}},
	}
	_, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)
	h.drain(t)

	state, _ := h.orch.Get("wf-vetoed")
	require.Equal(t, workflow.StatusWaitingHITL, state.Status)

	require.NoError(t, h.hitl.Resolve(context.Background(), state.DecisionID, "rejected"))

	final := waitTerminal(t, h, "wf-vetoed")
	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.Equal(t, workflow.StepFailed, final.Steps[0].Status)
	require.Len(t, h.terminalEvents(event.TypeWorkflowFailed), 1)
}

func TestHITLTimeoutFollowsEscalationChain(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{
		Tiers:       []string{"reviewer", "lead"},
		TierTimeout: time.Hour,
	})
	registerWorker(t, h, "agent-a", func(stepIndex, attempt int) (string, bool) {
		return "", stepIndex == 0
	})

	def := workflow.Definition{
		ID: "wf-chain",
		Steps: []workflow.Step{
			{AgentID: "agent-a"},
			{AgentID: "agent-a"},
		},
		HITLTimeout: time.Minute,
	}
	_, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)
	h.drain(t)

	state, _ := h.orch.Get("wf-chain")
	require.Equal(t, workflow.StatusWaitingHITL, state.Status)
	firstDecision := state.DecisionID

	// The first tier misses its deadline: the workflow must follow the
	// decision to the successor and keep waiting.
	h.hitl.CheckTimeouts(time.Now().Add(2 * time.Minute))
	h.drain(t)

	state, _ = h.orch.Get("wf-chain")
	require.Equal(t, workflow.StatusWaitingHITL, state.Status)
	require.NotEqual(t, firstDecision, state.DecisionID, "workflow should track the successor decision")

	// The lead tier approves; the workflow resumes and completes.
	require.NoError(t, h.hitl.Resolve(context.Background(), state.DecisionID, "approved"))
	final := waitTerminal(t, h, "wf-chain")
	assert.Equal(t, workflow.StatusCompleted, final.Status)
}

func TestHITLChainExhaustionEscalatesWorkflow(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{
		Tiers: []string{"reviewer"},
	})
	registerWorker(t, h, "agent-a", func(stepIndex, attempt int) (string, bool) {
		return "", true
	})

	def := workflow.Definition{
		ID:          "wf-abandoned",
		Steps:       []workflow.Step{{AgentID: "agent-a"}},
		HITLTimeout: time.Minute,
	}
	_, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)
	h.drain(t)

	h.hitl.CheckTimeouts(time.Now().Add(2 * time.Minute))

	final := waitTerminal(t, h, "wf-abandoned")
	assert.Equal(t, workflow.StatusEscalated, final.Status)
	require.Len(t, h.terminalEvents(event.TypeWorkflowEscalated), 1)
}

func TestCancelIgnoresLateCompletions(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	// A worker that never answers: the step stays in flight.
	adapter := agentbus.NewAdapter(h.bus, "agent-a")
	_, err := adapter.Subscribe(event.TypeTaskAssigned, func(ctx context.Context, evt *event.Event) error {
		return nil
	})
	require.NoError(t, err)

	def := workflow.Definition{
		ID:    "wf-stuck",
		Steps: []workflow.Step{{AgentID: "agent-a"}},
	}
	_, err = h.orch.Start(context.Background(), def)
	require.NoError(t, err)
	h.drain(t)

	require.NoError(t, h.orch.Cancel(context.Background(), "wf-stuck"))

	state, ok := h.orch.Get("wf-stuck")
	require.True(t, ok)
	assert.Equal(t, workflow.StatusFailed, state.Status)

	// A completion arriving after cancellation must not resurrect anything.
	_, err = adapter.Publish(context.Background(), event.TypeTaskCompleted, map[string]any{
		"workflow_id": "wf-stuck",
		"step_index":  0,
	})
	require.NoError(t, err)
	h.drain(t)

	state, _ = h.orch.Get("wf-stuck")
	assert.Equal(t, workflow.StatusFailed, state.Status)
	require.Empty(t, h.terminalEvents(event.TypeWorkflowCompleted))
}

func TestCancelUnknownWorkflow(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	assert.Error(t, h.orch.Cancel(context.Background(), "never-started"))
}

func TestStartRejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})

	_, err := h.orch.Start(context.Background(), workflow.Definition{ID: "wf-empty"})
	assert.Error(t, err, "workflow without steps must be rejected")

	_, err = h.orch.Start(context.Background(), workflow.Definition{
		Steps: []workflow.Step{{AgentID: "agent-a"}},
	})
	assert.Error(t, err, "workflow without an ID must be rejected")
}

func TestStartRejectsDuplicateID(t *testing.T) {
	h := newHarness(t, hitl.ManagerConfig{})
	registerWorker(t, h, "agent-a", alwaysSucceed)

	def := workflow.Definition{
		ID:    "wf-dup",
		Steps: []workflow.Step{{AgentID: "agent-a"}},
	}
	_, err := h.orch.Start(context.Background(), def)
	require.NoError(t, err)
	waitTerminal(t, h, "wf-dup")

	// Even after completion the ID stays claimed.
	_, err = h.orch.Start(context.Background(), def)
	assert.Error(t, err)
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     workflow.Definition
		wantErr bool
	}{
		{"valid", workflow.Definition{ID: "wf", Steps: []workflow.Step{{AgentID: "a"}}}, false},
		{"no id", workflow.Definition{Steps: []workflow.Step{{AgentID: "a"}}}, true},
		{"no steps", workflow.Definition{ID: "wf"}, true},
		{"step without agent", workflow.Definition{ID: "wf", Steps: []workflow.Step{{}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
