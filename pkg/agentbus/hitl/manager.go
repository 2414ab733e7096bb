// Package hitl tracks pending human-in-the-loop decisions with timeouts and
// an escalation chain.
//
// A decision starts pending. A human (or a designated fallback agent)
// resolves it before its deadline, or a periodic CheckTimeouts sweep marks
// it timed out and escalates: the next tier gets a fresh decision with its
// own deadline, and past the final tier the configured default policy
// applies.
package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// Status is a decision's lifecycle state.
type Status string

// Decision statuses.
const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusTimedOut  Status = "timed_out"
	StatusEscalated Status = "escalated"
)

// Decision is one pending human judgement call.
type Decision struct {
	ID         string `json:"decision_id"`
	WorkflowID string `json:"workflow_id"`

	// Context is the opaque payload shown to the reviewer.
	Context any `json:"context,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	TimeoutAt time.Time `json:"timeout_at"`

	// Resolution is set when the decision is resolved, or filled from the
	// default policy when escalation exhausts the chain.
	Resolution string `json:"resolution,omitempty"`

	// Tier is the escalation tier handling this decision (0 = first).
	Tier int `json:"tier"`

	// EscalatedTo is the ID of the successor decision at the next tier.
	EscalatedTo string `json:"escalated_to,omitempty"`
}

// Publisher emits HITL lifecycle events. Satisfied by agentbus.Adapter.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, opts ...event.Option) (*event.Event, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Tiers names the escalation chain (e.g., reviewer group per tier).
	// Default: a single "default" tier.
	Tiers []string

	// TierTimeout is the deadline granted to each escalated tier.
	// Default: 15 minutes.
	TierTimeout time.Duration

	// DefaultResolution is applied when the chain is exhausted.
	// Default: "rejected".
	DefaultResolution string

	// Publisher optionally emits hitl.requested/resolved/escalated events.
	Publisher Publisher

	// Logger receives structured logs. Nil disables logging.
	Logger *slog.Logger
}

// Manager tracks decisions. Safe for concurrent use.
type Manager struct {
	config ManagerConfig

	mu        sync.Mutex
	decisions map[string]*Decision
	pending   int
}

// NewManager creates a decision manager.
func NewManager(config ManagerConfig) *Manager {
	if len(config.Tiers) == 0 {
		config.Tiers = []string{"default"}
	}
	if config.TierTimeout <= 0 {
		config.TierTimeout = 15 * time.Minute
	}
	if config.DefaultResolution == "" {
		config.DefaultResolution = "rejected"
	}
	return &Manager{
		config:    config,
		decisions: make(map[string]*Decision),
	}
}

// Create opens a pending decision for a workflow step.
func (m *Manager) Create(ctx context.Context, workflowID string, decisionContext any, timeout time.Duration) *Decision {
	now := time.Now()
	d := &Decision{
		ID:         "hitl-" + uuid.New().String()[:8],
		WorkflowID: workflowID,
		Context:    decisionContext,
		Status:     StatusPending,
		CreatedAt:  now,
		TimeoutAt:  now.Add(timeout),
	}

	m.mu.Lock()
	m.decisions[d.ID] = d
	m.pending++
	m.mu.Unlock()

	m.emit(ctx, event.TypeHITLRequested, map[string]any{
		"decision_id": d.ID,
		"workflow_id": d.WorkflowID,
		"context":     d.Context,
	})
	return d
}

// Resolve records a resolution for a pending decision. Resolving a decision
// that is already resolved, timed out, or escalated fails with a state
// transition error and leaves the decision unchanged.
func (m *Manager) Resolve(ctx context.Context, decisionID, resolution string) error {
	m.mu.Lock()
	d, ok := m.decisions[decisionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("decision %s not found", decisionID)
	}
	if d.Status != StatusPending {
		from := string(d.Status)
		m.mu.Unlock()
		return &buserrors.StateTransitionError{
			Entity: "decision",
			ID:     decisionID,
			From:   from,
			To:     string(StatusResolved),
		}
	}
	d.Status = StatusResolved
	d.Resolution = resolution
	m.pending--
	workflowID := d.WorkflowID
	m.mu.Unlock()

	m.emit(ctx, event.TypeHITLResolved, map[string]any{
		"decision_id": decisionID,
		"workflow_id": workflowID,
		"resolution":  resolution,
	})
	return nil
}

// CheckTimeouts is the periodic sweep. Each overdue pending decision passes
// through timed_out to escalated: a successor decision opens at the next
// tier, or the default policy resolves the chain when no tier remains. The
// transitioned decisions are returned (successors included).
func (m *Manager) CheckTimeouts(now time.Time) []*Decision {
	m.mu.Lock()

	var overdue []*Decision
	for _, d := range m.decisions {
		if d.Status == StatusPending && now.After(d.TimeoutAt) {
			overdue = append(overdue, d)
		}
	}
	// Deterministic sweep order for logs and tests.
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].CreatedAt.Before(overdue[j].CreatedAt) })

	var transitioned []*Decision
	type escalation struct{ d, successor *Decision }
	var escalations []escalation

	for _, d := range overdue {
		d.Status = StatusTimedOut
		m.pending--

		nextTier := d.Tier + 1
		var successor *Decision
		if nextTier < len(m.config.Tiers) {
			successor = &Decision{
				ID:         "hitl-" + uuid.New().String()[:8],
				WorkflowID: d.WorkflowID,
				Context:    d.Context,
				Status:     StatusPending,
				CreatedAt:  now,
				TimeoutAt:  now.Add(m.config.TierTimeout),
				Tier:       nextTier,
			}
			m.decisions[successor.ID] = successor
			m.pending++
			d.EscalatedTo = successor.ID
		} else {
			// Chain exhausted: the automated default policy decides.
			d.Resolution = m.config.DefaultResolution
		}
		d.Status = StatusEscalated

		transitioned = append(transitioned, d)
		if successor != nil {
			transitioned = append(transitioned, successor)
		}
		escalations = append(escalations, escalation{d: d, successor: successor})
	}
	m.mu.Unlock()

	for _, esc := range escalations {
		tier := esc.d.Tier + 1
		observability.LogDecisionEscalated(m.config.Logger, esc.d.ID, esc.d.WorkflowID, tier)
		m.emit(context.Background(), event.TypeHITLEscalated, map[string]any{
			"decision_id": esc.d.ID,
			"workflow_id": esc.d.WorkflowID,
			"tier":        tier,
		})
	}
	return transitioned
}

// Get returns a copy of a decision.
func (m *Manager) Get(decisionID string) (Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[decisionID]
	if !ok {
		return Decision{}, false
	}
	return *d, true
}

// Pending returns the number of unresolved decisions.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// List returns copies of all decisions, oldest first.
func (m *Manager) List() []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Decision, 0, len(m.decisions))
	for _, d := range m.decisions {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) emit(ctx context.Context, eventType string, payload map[string]any) {
	if m.config.Publisher == nil {
		return
	}
	// Adapter contains transport failures; validation failures here would be
	// a programming error in the core schemas, so only log.
	if _, err := m.config.Publisher.Publish(ctx, eventType, payload); err != nil && m.config.Logger != nil {
		m.config.Logger.Warn("hitl event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
