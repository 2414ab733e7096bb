// Package outbox provides an optional durable journal backing the bus's
// at-least-once guarantee. Accepted events are journaled with their
// subscriber set before fan-out and acknowledged per subscriber after
// processing; after a crash, Replay re-publishes events with outstanding
// deliveries. Handlers dedupe on event ID, so redelivering an already
// processed event is harmless.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("outbox store closed")

// Store journals events in SQLite. Suitable for single-process use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewStore opens (and if needed initializes) an outbox database.
// The path is a file path or ":memory:" for testing.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL improves concurrent read behavior during appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			envelope BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_deliveries (
			event_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			delivered_at TEXT,
			PRIMARY KEY (event_id, agent_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create deliveries table: %w", err)
	}

	return &Store{db: db}, nil
}

// Record journals an accepted event and its subscriber set. Re-recording
// the same event ID (redelivery) is a no-op for already-known rows.
func (s *Store) Record(evt *event.Event, subscribers []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	envelope, err := evt.Marshal()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.ID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO outbox_events (event_id, event_type, recorded_at, envelope)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, evt.ID, evt.Type, time.Now().UTC().Format(time.RFC3339Nano), envelope); err != nil {
		return fmt.Errorf("journal event %s: %w", evt.ID, err)
	}

	for _, agentID := range subscribers {
		if _, err := tx.Exec(`
			INSERT INTO outbox_deliveries (event_id, agent_id, delivered_at)
			VALUES (?, ?, NULL)
			ON CONFLICT(event_id, agent_id) DO NOTHING
		`, evt.ID, agentID); err != nil {
			return fmt.Errorf("journal delivery %s/%s: %w", evt.ID, agentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

// MarkDelivered acknowledges one subscriber's processing of an event.
func (s *Store) MarkDelivered(eventID, agentID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		UPDATE outbox_deliveries
		SET delivered_at = ?
		WHERE event_id = ? AND agent_id = ? AND delivered_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339Nano), eventID, agentID)
	if err != nil {
		return fmt.Errorf("acknowledge %s/%s: %w", eventID, agentID, err)
	}
	return nil
}

// Pending returns events that still have unacknowledged deliveries, in the
// order they were journaled.
func (s *Store) Pending() ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT DISTINCT e.envelope, e.recorded_at
		FROM outbox_events e
		JOIN outbox_deliveries d ON d.event_id = e.event_id
		WHERE d.delivered_at IS NULL
		ORDER BY e.recorded_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var pending []*event.Event
	for rows.Next() {
		var envelope []byte
		var recordedAt string
		if err := rows.Scan(&envelope, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		evt, err := event.Unmarshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("decode journaled event: %w", err)
		}
		pending = append(pending, evt)
	}
	return pending, rows.Err()
}

// Publisher re-injects journaled events into the bus. Satisfied by
// agentbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, evt *event.Event) error
}

// Replay republishes every event with outstanding deliveries. Called once at
// startup after a crash; history dedupe makes redelivery idempotent.
func (s *Store) Replay(ctx context.Context, pub Publisher) (int, error) {
	pending, err := s.Pending()
	if err != nil {
		return 0, err
	}
	for i, evt := range pending {
		if err := pub.Publish(ctx, evt); err != nil {
			return i, fmt.Errorf("replay event %s: %w", evt.ID, err)
		}
	}
	return len(pending), nil
}

// Prune removes fully delivered events older than cutoff.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`
		DELETE FROM outbox_events
		WHERE recorded_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_deliveries d
			WHERE d.event_id = outbox_events.event_id AND d.delivered_at IS NULL
		  )
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM outbox_deliveries
		WHERE event_id NOT IN (SELECT event_id FROM outbox_events)
	`); err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
