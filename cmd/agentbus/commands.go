package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus"
	"github.com/randalmurphal/agentbus/pkg/agentbus/config"
	buserrors "github.com/randalmurphal/agentbus/pkg/agentbus/errors"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/history"
	"github.com/randalmurphal/agentbus/pkg/agentbus/hitl"
	"github.com/randalmurphal/agentbus/pkg/agentbus/metrics"
	"github.com/randalmurphal/agentbus/pkg/agentbus/outbox"
)

// core bundles the wired coordination components for one CLI invocation.
type core struct {
	cfg     config.Config
	bus     *agentbus.Bus
	hitl    *hitl.Manager
	store   history.Store
	monitor *metrics.Monitor
	journal *outbox.Store
}

func (c *core) close() {
	c.bus.Close()
	c.store.Close()
	if c.journal != nil {
		c.journal.Close()
	}
}

// loadCore builds the bus stack from the config file.
func loadCore(cfgPath string) (*core, error) {
	cfg := config.Default()
	if cfgPath == "" {
		if _, err := os.Stat("agentbus.yaml"); err == nil {
			cfgPath = "agentbus.yaml"
		}
	}
	if cfgPath != "" {
		var err error
		cfg, err = config.FromFile(cfgPath)
		if err != nil {
			return nil, err
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var store history.Store
	if cfg.Bus.HistoryDir != "" {
		fs, err := history.NewFileStore(cfg.Bus.HistoryDir)
		if err != nil {
			return nil, err
		}
		store = fs
	} else {
		store = history.NewMemoryStore()
	}

	var monitorOpts []metrics.MonitorOption
	if cfg.Bus.MetricsWindow > 0 {
		monitorOpts = append(monitorOpts, metrics.WithWindow(cfg.Bus.MetricsWindow))
	}
	monitor := metrics.NewMonitor(monitorOpts...)

	busCfg := agentbus.BusConfig{
		Registry:   event.NewCoreRegistry(),
		History:    store,
		Monitor:    monitor,
		Logger:     logger,
		BufferSize: cfg.Bus.BufferSize,
	}

	var journal *outbox.Store
	if cfg.Bus.OutboxPath != "" {
		var err error
		journal, err = outbox.NewStore(cfg.Bus.OutboxPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		busCfg.Journal = journal
	}

	bus, err := agentbus.NewBus(busCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	manager := hitl.NewManager(hitl.ManagerConfig{
		Tiers:             cfg.HITL.Tiers,
		TierTimeout:       cfg.HITL.TierTimeout,
		DefaultResolution: cfg.HITL.DefaultResolution,
		Logger:            logger,
	})
	bus.AttachHITL(manager)

	return &core{
		cfg:     cfg,
		bus:     bus,
		hitl:    manager,
		store:   store,
		monitor: monitor,
		journal: journal,
	}, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "agentbus: %v\n", err)
	if buserrors.IsValidation(err) || buserrors.IsStateTransition(err) {
		os.Exit(2)
	}
	os.Exit(1)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	fs.Parse(args)

	c, err := loadCore(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	st := c.bus.Status()
	fmt.Printf("subscriptions: %d\n", st.Subscriptions)
	if st.LastDispatch.IsZero() {
		fmt.Println("last dispatch: never")
	} else {
		fmt.Printf("last dispatch: %s\n", st.LastDispatch.Format(time.RFC3339))
	}
	fmt.Printf("pending HITL decisions: %d\n", st.PendingHITL)
}

func runPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	eventType := fs.String("type", "", "event type (required)")
	data := fs.String("data", "{}", "payload JSON")
	agentID := fs.String("agent", "cli", "source agent ID")
	correlation := fs.String("correlation", "", "correlation ID to continue a chain")
	fs.Parse(args)

	if *eventType == "" {
		fmt.Fprintln(os.Stderr, "usage: agentbus publish --type <T> --data <json>")
		os.Exit(1)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(*data), &payload); err != nil {
		fatal(fmt.Errorf("parse --data: %w", err))
	}

	c, err := loadCore(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	adapter := agentbus.NewAdapter(c.bus, *agentID,
		agentbus.WithRetryPolicy(c.cfg.Retry.RetryConfig()))

	var opts []event.Option
	if *correlation != "" {
		opts = append(opts, event.WithCorrelationID(*correlation))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	evt, err := adapter.Publish(ctx, *eventType, payload, opts...)
	if err != nil {
		fatal(err)
	}
	// Synchronous command: wait for all handlers before reporting.
	if err := c.bus.Drain(ctx); err != nil {
		fatal(err)
	}
	fmt.Printf("published %s (%s) correlation=%s\n", evt.ID, evt.Type, evt.CorrelationID)
}

func runSubscribe(args []string) {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	eventType := fs.String("type", "", "event type (required)")
	agentID := fs.String("agent", "cli", "subscribing agent ID")
	fs.Parse(args)

	if *eventType == "" {
		fmt.Fprintln(os.Stderr, "usage: agentbus subscribe --type <T>")
		os.Exit(1)
	}

	c, err := loadCore(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	sub, err := c.bus.Subscribe(*agentID, *eventType, func(ctx context.Context, evt *event.Event) error {
		line, _ := evt.Marshal()
		fmt.Println(string(line))
		return nil
	})
	if err != nil {
		fatal(err)
	}
	defer sub.Unsubscribe()

	fmt.Fprintf(os.Stderr, "subscribed %s to %s; waiting for events (Ctrl-C to stop)\n", *agentID, *eventType)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func runListEvents(args []string) {
	fs := flag.NewFlagSet("list-events", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	fs.Parse(args)

	c, err := loadCore(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	registry := c.bus.Registry()
	for _, t := range registry.Types() {
		schema, _ := registry.Get(t)
		fmt.Printf("%-24s v%d  %s\n", t, schema.Version, schema.Description)
	}
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	agentID := fs.String("agent", "", "filter by agent ID")
	since := fs.String("since", "", "filter entries at or after this RFC3339 timestamp")
	fs.Parse(args)

	c, err := loadCore(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	opts := history.QueryOptions{}
	if *since != "" {
		ts, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fatal(fmt.Errorf("parse --since: %w", err))
		}
		opts.Since = ts
	}

	agents := []string{*agentID}
	if *agentID == "" {
		agents, err = c.store.Agents()
		if err != nil {
			fatal(err)
		}
	}

	for _, agent := range agents {
		entries, err := c.store.Query(agent, opts)
		if err != nil {
			fatal(err)
		}
		for _, e := range entries {
			fmt.Printf("%s  %-10s %-24s agent=%s event=%s\n",
				e.ProcessedAt.Format(time.RFC3339), e.Status, e.EventType, e.AgentID, e.EventID)
			if e.Error != "" {
				fmt.Printf("    error: %s\n", e.Error)
			}
		}
	}
}

func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	fs.Parse(args)

	c, err := loadCore(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	if c.journal == nil {
		fatal(fmt.Errorf("no outbox configured (set bus.outbox_path)"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := c.journal.Replay(ctx, c.bus)
	if err != nil {
		fatal(err)
	}
	if err := c.bus.Drain(ctx); err != nil {
		fatal(err)
	}
	fmt.Printf("replayed %d event(s)\n", n)
}

func runMetrics(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	agentID := fs.String("agent", "", "filter by agent ID")
	fs.Parse(args)

	c, err := loadCore(*cfgPath)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	agents := []string{*agentID}
	if *agentID == "" {
		agents = c.monitor.Agents()
	}

	for _, agent := range agents {
		for _, name := range c.monitor.Metrics(agent) {
			s := c.monitor.Summary(agent, name)
			fmt.Printf("%s/%s  count=%d sum=%.2f min=%.2f max=%.2f avg=%.2f\n",
				agent, name, s.Count, s.Sum, s.Min, s.Max, s.Avg)
		}
	}
}
