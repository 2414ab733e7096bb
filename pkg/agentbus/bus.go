package agentbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/history"
	"github.com/randalmurphal/agentbus/pkg/agentbus/metrics"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// Handler processes one event for one agent. A non-nil error is recorded as
// a failed history entry for that agent and never reaches the publisher.
type Handler func(ctx context.Context, evt *event.Event) error

// Journal is the optional durable outbox consulted for crash redelivery.
// Implemented by outbox.Store.
type Journal interface {
	// Record journals an accepted event with its subscriber set before fan-out.
	Record(evt *event.Event, subscribers []string) error

	// MarkDelivered acknowledges one subscriber's processing of an event.
	MarkDelivered(eventID, agentID string) error
}

// PendingCounter exposes the count of unresolved HITL decisions.
// Implemented by hitl.Manager.
type PendingCounter interface {
	Pending() int
}

// BusConfig configures a Bus. Registry is required; everything else has a
// working default.
type BusConfig struct {
	// Registry is the closed event type registry used for validation.
	Registry *event.Registry

	// History records processing outcomes and backs idempotent redelivery.
	// Default: in-memory store.
	History history.Store

	// Monitor receives per-agent dispatch metrics.
	// Default: in-memory monitor.
	Monitor *metrics.Monitor

	// Spans wraps publish and dispatch in trace spans.
	// Default: no tracing.
	Spans observability.SpanManager

	// Journal optionally persists accepted events for crash redelivery.
	Journal Journal

	// Logger receives structured bus logs. Nil disables logging.
	Logger *slog.Logger

	// BufferSize is the per-subscription queue depth. Default: 256.
	BufferSize int
}

// BusStatus is a point-in-time snapshot for the status CLI command.
type BusStatus struct {
	Subscriptions int       `json:"subscriptions"`
	LastDispatch  time.Time `json:"last_dispatch,omitempty"`
	PendingHITL   int       `json:"pending_hitl"`
}

// Bus is the in-process publish/subscribe engine. Each subscription owns an
// ordered queue drained by its own goroutine, so fan-out is concurrent
// across subscribers while delivery per subscriber stays in publish order
// (per-source FIFO).
type Bus struct {
	config BusConfig

	mu     sync.RWMutex
	byType map[string]map[string]*Subscription // event type -> agent ID -> sub
	subs   int

	hitl atomic.Pointer[pendingCounterBox]

	inflight     sync.WaitGroup
	lastDispatch atomic.Int64 // unix nanos, 0 = never
	closed       atomic.Bool
	closeCh      chan struct{}
}

type pendingCounterBox struct{ c PendingCounter }

// Subscription is a handle to one agent's registration for one event type.
type Subscription struct {
	agentID   string
	eventType string

	handlerMu sync.RWMutex
	handler   Handler

	queue chan *event.Event
	bus   *Bus
	once  sync.Once
}

// AgentID returns the subscribing agent.
func (s *Subscription) AgentID() string { return s.agentID }

// EventType returns the subscribed event type.
func (s *Subscription) EventType() string { return s.eventType }

// NewBus creates a bus. Registry must be non-nil.
func NewBus(config BusConfig) (*Bus, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("bus requires an event registry")
	}
	if config.History == nil {
		config.History = history.NewMemoryStore()
	}
	if config.Monitor == nil {
		config.Monitor = metrics.NewMonitor()
	}
	if config.Spans == nil {
		config.Spans = observability.NoopSpanManager{}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}

	return &Bus{
		config:  config,
		byType:  make(map[string]map[string]*Subscription),
		closeCh: make(chan struct{}),
	}, nil
}

// Registry returns the bus's event type registry.
func (b *Bus) Registry() *event.Registry { return b.config.Registry }

// History returns the history store the bus records into.
func (b *Bus) History() history.Store { return b.config.History }

// Monitor returns the performance monitor the bus records into.
func (b *Bus) Monitor() *metrics.Monitor { return b.config.Monitor }

// AttachHITL wires a HITL manager into the status snapshot.
func (b *Bus) AttachHITL(c PendingCounter) {
	b.hitl.Store(&pendingCounterBox{c: c})
}

// Subscribe registers handler for (agentID, eventType). An agent holds at
// most one handler per event type: re-registering replaces the previous
// handler in place (last-writer-wins, logged as a warning) and returns the
// existing subscription so queued events keep their order.
func (b *Bus) Subscribe(agentID, eventType string, handler Handler) (*Subscription, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if !b.config.Registry.Has(eventType) {
		return nil, &buserrors.ValidationError{
			EventType: eventType,
			Message:   "unknown event type",
		}
	}
	if b.closed.Load() {
		return nil, &buserrors.TransportError{Op: "subscribe", Err: fmt.Errorf("bus is closed")}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byType[eventType][agentID]; ok {
		existing.handlerMu.Lock()
		existing.handler = handler
		existing.handlerMu.Unlock()
		observability.LogHandlerReplaced(b.config.Logger, agentID, eventType)
		return existing, nil
	}

	sub := &Subscription{
		agentID:   agentID,
		eventType: eventType,
		handler:   handler,
		queue:     make(chan *event.Event, b.config.BufferSize),
		bus:       b,
	}
	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[string]*Subscription)
	}
	b.byType[eventType][agentID] = sub
	b.subs++

	go sub.run()
	return sub, nil
}

// Publish validates evt and schedules delivery to every subscriber of its
// type. It returns once all deliveries are enqueued, not once they complete;
// use Drain to await completion. Validation failure is returned synchronously
// and nothing is dispatched. A subscriber's failure is contained and never
// surfaces here.
func (b *Bus) Publish(ctx context.Context, evt *event.Event) error {
	if b.closed.Load() {
		return &buserrors.TransportError{Op: "publish", Err: fmt.Errorf("bus is closed")}
	}

	_, span := b.config.Spans.StartPublishSpan(ctx, safeType(evt), safeID(evt), safeCorrelation(evt))

	if err := b.config.Registry.Validate(evt); err != nil {
		observability.LogPublishRejected(b.config.Logger, safeType(evt), err)
		b.config.Spans.EndSpanWithError(span, err)
		return err
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.byType[evt.Type]))
	for _, sub := range b.byType[evt.Type] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if b.config.Journal != nil {
		agents := make([]string, len(targets))
		for i, sub := range targets {
			agents[i] = sub.agentID
		}
		if err := b.config.Journal.Record(evt, agents); err != nil && b.config.Logger != nil {
			b.config.Logger.Warn("outbox journal failed",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()))
		}
	}

	for _, sub := range targets {
		b.inflight.Add(1)
		select {
		case sub.queue <- evt:
		case <-ctx.Done():
			b.inflight.Done()
			b.config.Spans.EndSpanWithError(span, ctx.Err())
			return &buserrors.TransportError{Op: "publish", Err: ctx.Err()}
		case <-b.closeCh:
			b.inflight.Done()
			err := fmt.Errorf("bus closed during publish")
			b.config.Spans.EndSpanWithError(span, err)
			return &buserrors.TransportError{Op: "publish", Err: err}
		}
	}

	observability.LogPublish(b.config.Logger, evt.ID, evt.Type, evt.SourceAgent)
	b.config.Spans.EndSpanWithError(span, nil)
	return nil
}

// Drain blocks until every scheduled dispatch has completed, or ctx expires.
// Synchronous callers (the CLI publish command, tests) use it to observe
// handler effects.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot for the status command.
func (b *Bus) Status() BusStatus {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	st := BusStatus{Subscriptions: subs}
	if ns := b.lastDispatch.Load(); ns > 0 {
		st.LastDispatch = time.Unix(0, ns)
	}
	if box := b.hitl.Load(); box != nil {
		st.PendingHITL = box.c.Pending()
	}
	return st
}

// Close rejects further publishes, waits for queued dispatches to finish,
// and stops the subscription goroutines.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.inflight.Wait()
	close(b.closeCh)
	return nil
}

// run drains the subscription queue in order.
func (s *Subscription) run() {
	for {
		select {
		case evt := <-s.queue:
			s.deliver(evt)
			s.bus.inflight.Done()
		case <-s.bus.closeCh:
			return
		}
	}
}

// Unsubscribe removes the subscription. Queued events are still delivered.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		if agents, ok := b.byType[s.eventType]; ok {
			if agents[s.agentID] == s {
				delete(agents, s.agentID)
				b.subs--
			}
		}
		b.mu.Unlock()
	})
}

// deliver invokes the handler for one event, recording the outcome. A
// duplicate event ID for this agent is skipped entirely so redelivery under
// at-least-once semantics cannot double-count history or metrics.
func (s *Subscription) deliver(evt *event.Event) {
	b := s.bus

	seen, err := b.config.History.Seen(evt.ID, s.agentID)
	if err == nil && seen {
		observability.LogDuplicateSkipped(b.config.Logger, s.agentID, evt.ID)
		s.acknowledge(evt)
		return
	}

	ctx, span := b.config.Spans.StartDispatchSpan(context.Background(), s.agentID, evt.Type)
	start := time.Now()
	handlerErr := s.invoke(ctx, evt.Clone())
	elapsed := time.Since(start)
	b.config.Spans.EndSpanWithError(span, handlerErr)

	b.lastDispatch.Store(time.Now().UnixNano())

	b.config.Monitor.Record(s.agentID, "handler_latency_ms", float64(elapsed.Milliseconds()))
	entry := history.Entry{
		EventID:     evt.ID,
		AgentID:     s.agentID,
		EventType:   evt.Type,
		Status:      history.StatusSucceeded,
		ProcessedAt: time.Now().UTC(),
	}
	if handlerErr != nil {
		entry.Status = history.StatusFailed
		entry.Error = handlerErr.Error()
		b.config.Monitor.Record(s.agentID, "events_failed", 1)
		observability.LogHandlerError(b.config.Logger, s.agentID, evt.ID,
			&buserrors.HandlerError{EventID: evt.ID, AgentID: s.agentID, Err: handlerErr})
	} else {
		b.config.Monitor.Record(s.agentID, "events_processed", 1)
	}
	entry.MetricsSnapshot = b.config.Monitor.Snapshot(s.agentID)

	if err := b.config.History.Append(entry); err != nil && b.config.Logger != nil {
		b.config.Logger.Error("history append failed",
			slog.String("agent_id", s.agentID),
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()))
	}

	s.acknowledge(evt)
}

// invoke runs the handler with panic containment.
func (s *Subscription) invoke(ctx context.Context, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	return handler(ctx, evt)
}

func (s *Subscription) acknowledge(evt *event.Event) {
	b := s.bus
	if b.config.Journal == nil {
		return
	}
	if err := b.config.Journal.MarkDelivered(evt.ID, s.agentID); err != nil && b.config.Logger != nil {
		b.config.Logger.Warn("outbox acknowledge failed",
			slog.String("event_id", evt.ID),
			slog.String("agent_id", s.agentID),
			slog.String("error", err.Error()))
	}
}

func safeType(evt *event.Event) string {
	if evt == nil {
		return ""
	}
	return evt.Type
}

func safeID(evt *event.Event) string {
	if evt == nil {
		return ""
	}
	return evt.ID
}

func safeCorrelation(evt *event.Event) string {
	if evt == nil {
		return ""
	}
	return evt.CorrelationID
}
