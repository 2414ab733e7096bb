package history

import (
	"sort"
	"sync"
)

// MemoryStore keeps history in memory, partitioned by agent ID so appends
// from different agents never contend on the same slice.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*agentLog
}

type agentLog struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]struct{} // event IDs already recorded
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*agentLog)}
}

func (s *MemoryStore) partition(agentID string) *agentLog {
	s.mu.RLock()
	log, ok := s.agents[agentID]
	s.mu.RUnlock()
	if ok {
		return log
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok = s.agents[agentID]; ok {
		return log
	}
	log = &agentLog{seen: make(map[string]struct{})}
	s.agents[agentID] = log
	return log
}

// Append implements Store.
func (s *MemoryStore) Append(entry Entry) error {
	log := s.partition(entry.AgentID)
	log.mu.Lock()
	defer log.mu.Unlock()
	log.entries = append(log.entries, entry)
	log.seen[entry.EventID] = struct{}{}
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(agentID string, opts QueryOptions) ([]Entry, error) {
	log := s.partition(agentID)
	log.mu.Lock()
	defer log.mu.Unlock()

	var out []Entry
	for _, e := range log.entries {
		if opts.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Seen implements Store.
func (s *MemoryStore) Seen(eventID, agentID string) (bool, error) {
	log := s.partition(agentID)
	log.mu.Lock()
	defer log.mu.Unlock()
	_, ok := log.seen[eventID]
	return ok, nil
}

// Agents implements Store.
func (s *MemoryStore) Agents() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
