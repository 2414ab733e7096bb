package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists each agent's history as a JSON file under a directory.
//
// Two on-disk shapes are accepted when reading: a flat array of strings
// (legacy agents) and an array of structured entries (current). Legacy
// entries are upgraded in memory at the read boundary; a read never rewrites
// the file. Only an Append rewrites, and then in structured form.
type FileStore struct {
	dir string

	mu     sync.RWMutex
	agents map[string]*fileLog
}

type fileLog struct {
	mu      sync.Mutex
	loaded  bool
	entries []Entry
	seen    map[string]struct{}
}

// NewFileStore creates a file-backed history store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileStore{dir: dir, agents: make(map[string]*fileLog)}, nil
}

func (s *FileStore) path(agentID string) string {
	// Agent IDs come from config; flatten path separators defensively.
	name := strings.ReplaceAll(agentID, string(filepath.Separator), "_")
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) partition(agentID string) *fileLog {
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
	log = &fileLog{seen: make(map[string]struct{})}
	s.agents[agentID] = log
	return log
}

// load reads the agent's file into memory once, upgrading legacy entries.
// Caller must hold log.mu.
func (s *FileStore) load(agentID string, log *fileLog) error {
	if log.loaded {
		return nil
	}
	log.loaded = true

	data, err := os.ReadFile(s.path(agentID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read history for %s: %w", agentID, err)
	}

	entries, err := decodeEntries(data, agentID)
	if err != nil {
		return fmt.Errorf("decode history for %s: %w", agentID, err)
	}

	log.entries = entries
	for _, e := range entries {
		log.seen[e.EventID] = struct{}{}
	}
	return nil
}

// decodeEntries parses either on-disk shape into structured entries.
func decodeEntries(data []byte, agentID string) ([]Entry, error) {
	var structured []Entry
	if err := json.Unmarshal(data, &structured); err == nil {
		return structured, nil
	}

	var legacy []string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(legacy))
	for _, raw := range legacy {
		entries = append(entries, upgradeLegacy(raw, agentID))
	}
	return entries, nil
}

// Append implements Store. The file is rewritten atomically via a temp file
// rename, so a crash mid-write cannot corrupt existing history.
func (s *FileStore) Append(entry Entry) error {
	log := s.partition(entry.AgentID)
	log.mu.Lock()
	defer log.mu.Unlock()

	if err := s.load(entry.AgentID, log); err != nil {
		return err
	}

	log.entries = append(log.entries, entry)
	log.seen[entry.EventID] = struct{}{}

	data, err := json.MarshalIndent(log.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history for %s: %w", entry.AgentID, err)
	}

	path := s.path(entry.AgentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history for %s: %w", entry.AgentID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit history for %s: %w", entry.AgentID, err)
	}
	return nil
}

// Query implements Store.
func (s *FileStore) Query(agentID string, opts QueryOptions) ([]Entry, error) {
	log := s.partition(agentID)
	log.mu.Lock()
	defer log.mu.Unlock()

	if err := s.load(agentID, log); err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range log.entries {
		if opts.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Seen implements Store.
func (s *FileStore) Seen(eventID, agentID string) (bool, error) {
	log := s.partition(agentID)
	log.mu.Lock()
	defer log.mu.Unlock()

	if err := s.load(agentID, log); err != nil {
		return false, err
	}
	_, ok := log.seen[eventID]
	return ok, nil
}

// Agents implements Store. It lists both loaded partitions and on-disk files.
func (s *FileStore) Agents() ([]string, error) {
	found := make(map[string]struct{})

	s.mu.RLock()
	for id := range s.agents {
		found[id] = struct{}{}
	}
	s.mu.RUnlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list history dir: %w", err)
	}
	for _, f := range files {
		name := f.Name()
		if strings.HasSuffix(name, ".json") {
			found[strings.TrimSuffix(name, ".json")] = struct{}{}
		}
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
