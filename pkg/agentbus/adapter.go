package agentbus

import (
	"context"
	"log/slog"

	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// Adapter is the per-agent publishing facade. Agents hold an Adapter by
// composition instead of inheriting bus behavior; it stamps the envelope
// metadata, manages correlation, and absorbs transport failures so that
// publishing a follow-up event can never crash the agent's primary
// operation.
type Adapter struct {
	agentID string
	bus     *Bus
	retry   buserrors.RetryConfig
	logger  *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithRetryPolicy overrides the transport retry policy.
func WithRetryPolicy(cfg buserrors.RetryConfig) AdapterOption {
	return func(a *Adapter) { a.retry = cfg }
}

// WithAdapterLogger sets the adapter's logger.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// NewAdapter creates an adapter for one agent.
func NewAdapter(bus *Bus, agentID string, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		agentID: agentID,
		bus:     bus,
		retry:   buserrors.DefaultRetry,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AgentID returns the agent this adapter publishes for.
func (a *Adapter) AgentID() string { return a.agentID }

// Subscribe registers a handler for this agent.
func (a *Adapter) Subscribe(eventType string, handler Handler) (*Subscription, error) {
	return a.bus.Subscribe(a.agentID, eventType, handler)
}

// Publish builds and publishes an event. The event ID, creation time, and
// source agent are stamped here; without a WithCorrelationID option the
// event starts a new causal chain.
//
// Validation failures surface synchronously to the caller. Transport
// failures are retried with bounded exponential backoff and, once exhausted,
// logged and swallowed - the returned event is still non-nil so callers can
// continue their causal chain.
func (a *Adapter) Publish(ctx context.Context, eventType string, payload map[string]any, opts ...event.Option) (*event.Event, error) {
	evt := event.New(eventType, a.agentID, payload, opts...)
	return evt, a.send(ctx, evt)
}

// PublishFromParent publishes a follow-up event continuing the parent's
// correlation chain.
func (a *Adapter) PublishFromParent(ctx context.Context, parent *event.Event, eventType string, payload map[string]any, opts ...event.Option) (*event.Event, error) {
	evt := event.NewFromParent(parent, eventType, a.agentID, payload, opts...)
	return evt, a.send(ctx, evt)
}

func (a *Adapter) send(ctx context.Context, evt *event.Event) error {
	err := buserrors.WithRetry(ctx, a.retry, func(ctx context.Context) error {
		return a.bus.Publish(ctx, evt)
	})
	if err == nil {
		return nil
	}
	if buserrors.IsValidation(err) {
		return err
	}
	// Transport failure after retries: contain it.
	observability.LogPublishGivenUp(a.logger, a.agentID, evt.Type, a.retry.MaxAttempts, err)
	return nil
}
