// Package sessionlog records hub events in a SQLite file, backing the usage
// view. The hub writes session-created rows and, through TeeHandler, every
// log record at or above the tee level (faults, timeouts, slow consumers);
// client attaches, detaches and idle controller deaths are not recorded.
package sessionlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds. Free-form strings are accepted; these cover the hub's own use.
const (
	KindSessionCreated = "session-created"
	KindClientAttached = "client-attached"
	KindClientDetached = "client-detached"
	KindControllerDead = "controller-dead"
	KindFault          = "fault"
	KindLog            = "log"
)

// pruneAge drops events older than this on Open. The log backs a usage view,
// not an audit trail; a month is plenty.
const pruneAge = 30 * 24 * time.Hour

// Event is one recorded hub event.
type Event struct {
	Time    time.Time
	Session string
	Client  string
	Kind    string
	Detail  string
}

// Store is a SQLite-backed event log. database/sql serialises access; all
// methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the event log at path and prunes aged-out rows.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sessionlog: open: empty path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open %s: %w", path, err)
	}
	// One writer at a time keeps modernc/sqlite happy under concurrency;
	// the log is low-volume so this costs nothing.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	session TEXT NOT NULL DEFAULT '',
	client TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionlog: create schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.prune(time.Now().Add(-pruneAge)); err != nil {
		slog.Warn("[WARN-SESSIONLOG] prune failed", "error", err)
	}
	return s, nil
}

// Record appends one event. A zero Time is stamped now.
func (s *Store) Record(ev Event) error {
	if ev.Kind == "" {
		return fmt.Errorf("sessionlog: record: empty kind")
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO events (ts, session, client, kind, detail) VALUES (?, ?, ?, ?, ?)`,
		ts.UnixMilli(), ev.Session, ev.Client, ev.Kind, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("sessionlog: record: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT ts, session, client, kind, detail FROM events ORDER BY ts DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(&ts, &ev.Session, &ev.Client, &ev.Kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("sessionlog: scan: %w", err)
		}
		ev.Time = time.UnixMilli(ts)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionlog: rows: %w", err)
	}
	return out, nil
}

// CountBySession aggregates event counts per session, for the usage summary.
func (s *Store) CountBySession() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT session, COUNT(*) FROM events WHERE session != '' GROUP BY session`)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: count: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var session string
		var n int
		if err := rows.Scan(&session, &n); err != nil {
			return nil, fmt.Errorf("sessionlog: scan: %w", err)
		}
		out[session] = n
	}
	return out, rows.Err()
}

func (s *Store) prune(before time.Time) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE ts < ?`, before.UnixMilli())
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
