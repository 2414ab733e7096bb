// Package metrics provides the per-agent performance monitor: an append-only
// observation sink with rolling aggregates, plus an OpenTelemetry bridge for
// export. The monitor is best-effort observability - no metric write may fail
// the caller's operation.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Observation is a single recorded metric value.
type Observation struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"metric_name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary aggregates observations for one (agent, metric) pair.
type Summary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Monitor aggregates numeric metrics keyed by agent and metric name.
// Safe for concurrent use; series for different agents never contend.
type Monitor struct {
	// window bounds how long observations are retained.
	// Zero means retain everything.
	window time.Duration

	// bridge optionally mirrors observations to OpenTelemetry.
	bridge Recorder

	mu     sync.RWMutex
	series map[string]map[string]*serie // agent -> metric -> serie
}

type serie struct {
	mu  sync.Mutex
	obs []Observation
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithWindow retains only observations newer than d when summarizing.
func WithWindow(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.window = d }
}

// WithRecorder mirrors every observation to an external recorder.
func WithRecorder(r Recorder) MonitorOption {
	return func(m *Monitor) { m.bridge = r }
}

// NewMonitor creates a performance monitor.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{series: make(map[string]map[string]*serie)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) serie(agentID, name string) *serie {
	m.mu.RLock()
	byName, ok := m.series[agentID]
	if ok {
		s, ok2 := byName[name]
		m.mu.RUnlock()
		if ok2 {
			return s
		}
	} else {
		m.mu.RUnlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok = m.series[agentID]
	if !ok {
		byName = make(map[string]*serie)
		m.series[agentID] = byName
	}
	s, ok := byName[name]
	if !ok {
		s = &serie{}
		byName[name] = s
	}
	return s
}

// Record appends an observation. It never fails.
func (m *Monitor) Record(agentID, name string, value float64) {
	now := time.Now()
	s := m.serie(agentID, name)

	s.mu.Lock()
	s.obs = append(s.obs, Observation{
		AgentID:   agentID,
		Name:      name,
		Value:     value,
		Timestamp: now,
	})
	if m.window > 0 {
		s.trim(now.Add(-m.window))
	}
	s.mu.Unlock()

	if m.bridge != nil {
		m.bridge.Record(agentID, name, value)
	}
}

// trim drops observations older than cutoff. Caller holds s.mu.
func (s *serie) trim(cutoff time.Time) {
	idx := 0
	for idx < len(s.obs) && s.obs[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		s.obs = append(s.obs[:0], s.obs[idx:]...)
	}
}

// Summary computes aggregates over the retained window for one metric.
// An unknown (agent, metric) pair yields a zero-count summary.
func (m *Monitor) Summary(agentID, name string) Summary {
	m.mu.RLock()
	byName, ok := m.series[agentID]
	var s *serie
	if ok {
		s = byName[name]
	}
	m.mu.RUnlock()

	if s == nil {
		return Summary{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.window > 0 {
		s.trim(time.Now().Add(-m.window))
	}
	return summarize(s.obs)
}

func summarize(obs []Observation) Summary {
	if len(obs) == 0 {
		return Summary{}
	}
	sum := Summary{
		Count: len(obs),
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
	}
	for _, o := range obs {
		sum.Sum += o.Value
		if o.Value < sum.Min {
			sum.Min = o.Value
		}
		if o.Value > sum.Max {
			sum.Max = o.Value
		}
	}
	sum.Avg = sum.Sum / float64(sum.Count)
	return sum
}

// Snapshot returns the latest value per metric for an agent. Used to stamp
// history entries with the metric state at processing time.
func (m *Monitor) Snapshot(agentID string) map[string]float64 {
	m.mu.RLock()
	byName := m.series[agentID]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	m.mu.RUnlock()

	snap := make(map[string]float64, len(names))
	for _, name := range names {
		s := m.serie(agentID, name)
		s.mu.Lock()
		if n := len(s.obs); n > 0 {
			snap[name] = s.obs[n-1].Value
		}
		s.mu.Unlock()
	}
	return snap
}

// Metrics returns the metric names recorded for an agent, sorted.
func (m *Monitor) Metrics(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byName := m.series[agentID]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agents returns all agent IDs with recorded metrics, sorted.
func (m *Monitor) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.series))
	for id := range m.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
