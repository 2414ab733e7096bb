package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus"
	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/hitl"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// OrchestratorAgentID is the orchestrator's identity on the bus.
const OrchestratorAgentID = "orchestrator"

// approvedResolution is the HITL resolution that resumes a workflow.
// Any other resolution fails it.
const approvedResolution = "approved"

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// Orchestrator coordinates workflows over the bus. It is itself a bus
// subscriber: step completion and failure events drive the state machine.
type Orchestrator struct {
	bus     *agentbus.Bus
	adapter *agentbus.Adapter
	hitl    *hitl.Manager
	logger  *slog.Logger

	mu       sync.Mutex
	defs     map[string]Definition
	active   map[string]*State
	archived map[string]*State
}

// NewOrchestrator creates an orchestrator and registers its subscriptions.
func NewOrchestrator(bus *agentbus.Bus, hitlMgr *hitl.Manager, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		bus:      bus,
		adapter:  agentbus.NewAdapter(bus, OrchestratorAgentID),
		hitl:     hitlMgr,
		defs:     make(map[string]Definition),
		active:   make(map[string]*State),
		archived: make(map[string]*State),
	}
	for _, opt := range opts {
		opt(o)
	}

	subs := map[string]agentbus.Handler{
		event.TypeTaskCompleted: o.handleCompleted,
		event.TypeTaskFailed:    o.handleFailed,
		event.TypeHITLResolved:  o.handleResolved,
		event.TypeHITLEscalated: o.handleEscalated,
	}
	for eventType, handler := range subs {
		if _, err := bus.Subscribe(OrchestratorAgentID, eventType, handler); err != nil {
			return nil, fmt.Errorf("orchestrator subscribe %s: %w", eventType, err)
		}
	}
	return o, nil
}

// Start begins executing a workflow: state moves pending -> running and the
// first step's request event is published to its agent.
func (o *Orchestrator) Start(ctx context.Context, def Definition) (State, error) {
	if err := def.Validate(); err != nil {
		return State{}, err
	}
	if def.MaxStepAttempts <= 0 {
		def.MaxStepAttempts = 3
	}
	if def.RetryBackoff <= 0 {
		def.RetryBackoff = 200 * time.Millisecond
	}
	if def.HITLTimeout <= 0 {
		def.HITLTimeout = 15 * time.Minute
	}

	o.mu.Lock()
	if _, exists := o.active[def.ID]; exists {
		o.mu.Unlock()
		return State{}, fmt.Errorf("workflow %s is already running", def.ID)
	}
	if _, exists := o.archived[def.ID]; exists {
		o.mu.Unlock()
		return State{}, fmt.Errorf("workflow %s already ran", def.ID)
	}

	state := &State{
		WorkflowID: def.ID,
		Status:     StatusPending,
		Steps:      make([]StepRecord, len(def.Steps)),
		UpdatedAt:  time.Now(),
	}
	for i, step := range def.Steps {
		state.Steps[i] = StepRecord{AgentID: step.AgentID, Status: StepPending}
	}
	o.defs[def.ID] = def
	o.active[def.ID] = state
	o.mu.Unlock()

	started, err := o.adapter.Publish(ctx, event.TypeWorkflowStarted, map[string]any{
		"workflow_id": def.ID,
		"steps":       len(def.Steps),
	})
	if err != nil {
		o.mu.Lock()
		delete(o.active, def.ID)
		delete(o.defs, def.ID)
		o.mu.Unlock()
		return State{}, err
	}

	o.mu.Lock()
	state.CorrelationID = started.CorrelationID
	o.transition(state, StatusRunning)
	snapshot := state.clone()
	o.mu.Unlock()

	o.dispatchStep(ctx, def.ID, 0)
	return snapshot, nil
}

// Cancel marks a running workflow failed. In-flight handler invocations are
// not killed; their late completion events are ignored because the workflow
// is terminal.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	state, ok := o.active[workflowID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("workflow %s is not running", workflowID)
	}
	if state.Status.terminal() {
		o.mu.Unlock()
		return &buserrors.StateTransitionError{
			Entity: "workflow",
			ID:     workflowID,
			From:   string(state.Status),
			To:     string(StatusFailed),
		}
	}
	o.transition(state, StatusFailed)
	o.archiveLocked(state)
	o.mu.Unlock()

	o.publishTerminal(ctx, workflowID, event.TypeWorkflowFailed, "cancelled")
	return nil
}

// Get returns a workflow's state, active or archived.
func (o *Orchestrator) Get(workflowID string) (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.active[workflowID]; ok {
		return s.clone(), true
	}
	if s, ok := o.archived[workflowID]; ok {
		return s.clone(), true
	}
	return State{}, false
}

// Archived returns terminal workflow states, oldest update first.
func (o *Orchestrator) Archived() []State {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]State, 0, len(o.archived))
	for _, s := range o.archived {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// RunTimeoutSweeper periodically runs the HITL timeout sweep until ctx ends.
func (o *Orchestrator) RunTimeoutSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.hitl.CheckTimeouts(now)
		}
	}
}

// dispatchStep publishes the request event for one step and marks it running.
func (o *Orchestrator) dispatchStep(ctx context.Context, workflowID string, stepIndex int) {
	o.mu.Lock()
	def, okDef := o.defs[workflowID]
	state, okState := o.active[workflowID]
	if !okDef || !okState || state.Status != StatusRunning || stepIndex >= len(def.Steps) {
		o.mu.Unlock()
		return
	}
	record := &state.Steps[stepIndex]
	record.Status = StepRunning
	record.Attempts++
	correlation := state.CorrelationID
	step := def.Steps[stepIndex]
	o.mu.Unlock()

	task := step.Task
	if task == nil {
		task = map[string]any{}
	}
	_, err := o.adapter.Publish(ctx, event.TypeTaskAssigned, map[string]any{
		"workflow_id": workflowID,
		"step_index":  stepIndex,
		"agent_id":    step.AgentID,
		"task":        task,
	}, event.WithCorrelationID(correlation))
	if err != nil && o.logger != nil {
		o.logger.Error("step dispatch rejected",
			slog.String("workflow_id", workflowID),
			slog.Int("step_index", stepIndex),
			slog.String("error", err.Error()))
	}
}

// handleCompleted advances the workflow on a step completion event, or opens
// a HITL decision when the outcome is policy-flagged.
func (o *Orchestrator) handleCompleted(ctx context.Context, evt *event.Event) error {
	workflowID, stepIndex, ok := stepRef(evt)
	if !ok {
		return nil
	}

	o.mu.Lock()
	state, active := o.active[workflowID]
	if !active || state.Status != StatusRunning || stepIndex != state.CurrentStep {
		// Unknown workflow, terminal workflow, or a stale event from a
		// retried step: ignore.
		o.mu.Unlock()
		return nil
	}

	if flagged, _ := evt.Payload["hitl_required"].(bool); flagged {
		def := o.defs[workflowID]
		o.transition(state, StatusWaitingHITL)
		o.mu.Unlock()

		decision := o.hitl.Create(ctx, workflowID, map[string]any{
			"step_index": stepIndex,
			"agent_id":   evt.SourceAgent,
			"result":     evt.Payload["result"],
		}, def.HITLTimeout)

		o.mu.Lock()
		state.DecisionID = decision.ID
		o.mu.Unlock()
		return nil
	}

	state.Steps[stepIndex].Status = StepCompleted
	o.advanceLocked(ctx, state)
	return nil
}

// advanceLocked moves to the next step or completes the workflow.
// Caller holds o.mu; it is released before publishing.
func (o *Orchestrator) advanceLocked(ctx context.Context, state *State) {
	workflowID := state.WorkflowID
	if state.CurrentStep+1 < len(state.Steps) {
		state.CurrentStep++
		next := state.CurrentStep
		o.mu.Unlock()
		o.dispatchStep(ctx, workflowID, next)
		return
	}

	o.transition(state, StatusCompleted)
	o.archiveLocked(state)
	correlation := state.CorrelationID
	o.mu.Unlock()

	if _, err := o.adapter.Publish(ctx, event.TypeWorkflowCompleted, map[string]any{
		"workflow_id": workflowID,
	}, event.WithCorrelationID(correlation)); err != nil && o.logger != nil {
		o.logger.Error("workflow completion publish rejected",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
	}
}

// handleFailed retries the step while budget remains, otherwise fails the
// workflow.
func (o *Orchestrator) handleFailed(ctx context.Context, evt *event.Event) error {
	workflowID, stepIndex, ok := stepRef(evt)
	if !ok {
		return nil
	}
	reason, _ := evt.Payload["error"].(string)

	o.mu.Lock()
	state, active := o.active[workflowID]
	if !active || state.Status != StatusRunning || stepIndex != state.CurrentStep {
		o.mu.Unlock()
		return nil
	}
	def := o.defs[workflowID]
	record := &state.Steps[stepIndex]
	record.Error = reason

	if record.Attempts < def.MaxStepAttempts {
		attempt := record.Attempts
		record.Status = StepPending
		o.mu.Unlock()

		// Bounded backoff before republishing the same step. Scheduled off
		// the handler goroutine so a retry delay never blocks dispatch.
		delay := def.RetryBackoff << (attempt - 1)
		time.AfterFunc(delay, func() {
			o.retryStep(workflowID, stepIndex, attempt)
		})
		return nil
	}

	record.Status = StepFailed
	o.transition(state, StatusFailed)
	o.archiveLocked(state)
	o.mu.Unlock()

	o.publishTerminal(ctx, workflowID, event.TypeWorkflowFailed, reason)
	return nil
}

// retryStep re-dispatches a step if the workflow is still running and no
// newer attempt has superseded this retry.
func (o *Orchestrator) retryStep(workflowID string, stepIndex, priorAttempts int) {
	o.mu.Lock()
	state, active := o.active[workflowID]
	if !active || state.Status != StatusRunning || stepIndex != state.CurrentStep ||
		state.Steps[stepIndex].Attempts != priorAttempts {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.dispatchStep(context.Background(), workflowID, stepIndex)
}

// handleResolved resumes or fails a workflow waiting on a HITL decision.
func (o *Orchestrator) handleResolved(ctx context.Context, evt *event.Event) error {
	decisionID, _ := evt.Payload["decision_id"].(string)
	workflowID, _ := evt.Payload["workflow_id"].(string)
	resolution, _ := evt.Payload["resolution"].(string)

	o.mu.Lock()
	state, active := o.active[workflowID]
	if !active || state.Status != StatusWaitingHITL || state.DecisionID != decisionID {
		o.mu.Unlock()
		return nil
	}
	state.DecisionID = ""

	if resolution == approvedResolution {
		state.Steps[state.CurrentStep].Status = StepCompleted
		o.transition(state, StatusRunning)
		o.advanceLocked(ctx, state)
		return nil
	}

	state.Steps[state.CurrentStep].Status = StepFailed
	state.Steps[state.CurrentStep].Error = "rejected by reviewer: " + resolution
	o.transition(state, StatusFailed)
	o.archiveLocked(state)
	o.mu.Unlock()

	o.publishTerminal(ctx, workflowID, event.TypeWorkflowFailed, "hitl rejected")
	return nil
}

// handleEscalated follows the decision up the escalation chain; when the
// chain is exhausted the workflow itself escalates.
func (o *Orchestrator) handleEscalated(ctx context.Context, evt *event.Event) error {
	decisionID, _ := evt.Payload["decision_id"].(string)
	workflowID, _ := evt.Payload["workflow_id"].(string)

	o.mu.Lock()
	state, active := o.active[workflowID]
	if !active || state.Status != StatusWaitingHITL || state.DecisionID != decisionID {
		o.mu.Unlock()
		return nil
	}

	decision, found := o.hitl.Get(decisionID)
	if found && decision.EscalatedTo != "" {
		// A successor decision is pending at the next tier.
		state.DecisionID = decision.EscalatedTo
		state.UpdatedAt = time.Now()
		o.mu.Unlock()
		return nil
	}

	state.DecisionID = ""
	o.transition(state, StatusEscalated)
	o.archiveLocked(state)
	correlation := state.CorrelationID
	o.mu.Unlock()

	if _, err := o.adapter.Publish(ctx, event.TypeWorkflowEscalated, map[string]any{
		"workflow_id": workflowID,
	}, event.WithCorrelationID(correlation)); err != nil && o.logger != nil {
		o.logger.Error("workflow escalation publish rejected",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
	}
	return nil
}

// transition updates a workflow's status with logging. Caller holds o.mu.
func (o *Orchestrator) transition(state *State, to Status) {
	observability.LogWorkflowTransition(o.logger, state.WorkflowID, string(state.Status), string(to))
	state.Status = to
	state.UpdatedAt = time.Now()
}

// archiveLocked moves a terminal workflow out of the active set.
// Caller holds o.mu.
func (o *Orchestrator) archiveLocked(state *State) {
	delete(o.active, state.WorkflowID)
	delete(o.defs, state.WorkflowID)
	o.archived[state.WorkflowID] = state
}

func (o *Orchestrator) publishTerminal(ctx context.Context, workflowID, eventType, reason string) {
	if _, err := o.adapter.Publish(ctx, eventType, map[string]any{
		"workflow_id": workflowID,
		"error":       reason,
	}); err != nil && o.logger != nil {
		o.logger.Error("workflow terminal publish rejected",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
	}
}

// stepRef extracts the (workflow, step) reference from a task event payload.
func stepRef(evt *event.Event) (string, int, bool) {
	workflowID, ok := evt.Payload["workflow_id"].(string)
	if !ok {
		return "", 0, false
	}
	switch v := evt.Payload["step_index"].(type) {
	case float64:
		return workflowID, int(v), true
	case int:
		return workflowID, v, true
	}
	return "", 0, false
}
