// Package history provides the append-only, per-agent log of processed
// events. Entries are appended, never edited; the log doubles as the
// idempotence ledger for at-least-once delivery (dedupe on event ID + agent
// ID) and as the audit trail for replay debugging.
package history

import (
	"strings"
	"time"
)

// Status is the outcome recorded for a processed event.
type Status string

// Entry statuses.
const (
	StatusReceived  Status = "received"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Entry records one agent's processing of one event.
type Entry struct {
	EventID   string `json:"event_id"`
	AgentID   string `json:"agent_id"`
	EventType string `json:"event_type,omitempty"`
	Status    Status `json:"status"`

	// Error holds the handler error message for failed entries.
	Error string `json:"error,omitempty"`

	// MetricsSnapshot captures the agent's metric values at processing time.
	MetricsSnapshot map[string]float64 `json:"metrics_snapshot,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`
}

// QueryOptions filter history queries. Zero values match everything.
type QueryOptions struct {
	EventType string
	Since     time.Time
}

// Store is the per-agent history log. Implementations must support
// concurrent appends from independent agents without lost updates; appends
// within one agent are serialized.
type Store interface {
	// Append records an entry. Append is the only mutation.
	Append(entry Entry) error

	// Query returns entries for an agent, oldest first.
	Query(agentID string, opts QueryOptions) ([]Entry, error)

	// Seen reports whether the agent already has an entry for the event.
	// Used to make redelivery idempotent.
	Seen(eventID, agentID string) (bool, error)

	// Agents returns all agent IDs with recorded history.
	Agents() ([]string, error)

	// Close releases any resources.
	Close() error
}

// upgradeLegacy converts a legacy flat-string entry into structured form.
// Early agents persisted history as "event_id|status|timestamp" (trailing
// parts optional, a bare event ID defaults to succeeded);
// the upgrade is pure and applied at the read boundary only, so persisted
// legacy data is never rewritten.
func upgradeLegacy(raw, agentID string) Entry {
	entry := Entry{
		AgentID: agentID,
		Status:  StatusSucceeded,
	}
	parts := strings.SplitN(raw, "|", 3)
	entry.EventID = parts[0]
	if len(parts) > 1 && parts[1] != "" {
		entry.Status = Status(parts[1])
	}
	if len(parts) > 2 && parts[2] != "" {
		if ts, err := time.Parse(time.RFC3339, parts[2]); err == nil {
			entry.ProcessedAt = ts
		}
	}
	return entry
}

// matches reports whether an entry satisfies the query options.
func (o QueryOptions) matches(e Entry) bool {
	if o.EventType != "" && e.EventType != o.EventType {
		return false
	}
	if !o.Since.IsZero() && e.ProcessedAt.Before(o.Since) {
		return false
	}
	return true
}
