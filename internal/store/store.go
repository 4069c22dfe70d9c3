// Package store persists tasks, rules, messages and download outcomes in
// SQLite. Short writes are retried on transient contention with capped
// exponential backoff instead of blocking indefinitely.
package store

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
  key TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  poll_interval_sec INTEGER NOT NULL DEFAULT 300,
  subscribed INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  resource_key TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  recurrence_kind TEXT NOT NULL DEFAULT 'none',
  recurrence_every_sec INTEGER NOT NULL DEFAULT 0,
  recurrence_weekday INTEGER NOT NULL DEFAULT 0,
  recurrence_day INTEGER NOT NULL DEFAULT 0,
  recurrence_hour INTEGER NOT NULL DEFAULT 0,
  recurrence_minute INTEGER NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  run_count INTEGER NOT NULL DEFAULT 0,
  max_runs INTEGER NOT NULL DEFAULT 0,
  next_run_at TEXT,
  last_run_at TEXT,
  percent INTEGER NOT NULL DEFAULT 0,
  total_items INTEGER NOT NULL DEFAULT 0,
  downloaded_items INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  date_from TEXT,
  date_to TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  keywords TEXT NOT NULL DEFAULT '[]',
  exclude_keywords TEXT NOT NULL DEFAULT '[]',
  media_types TEXT NOT NULL DEFAULT '[]',
  sender_filter TEXT NOT NULL DEFAULT '',
  min_views INTEGER,
  max_views INTEGER,
  min_size INTEGER,
  max_size INTEGER,
  date_from TEXT,
  date_to TEXT,
  include_forwarded INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS task_rules (
  task_id TEXT NOT NULL,
  rule_id TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  priority INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (task_id, rule_id)
);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  resource_key TEXT NOT NULL,
  source_message_id INTEGER NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  sender_name TEXT NOT NULL DEFAULT '',
  media_type TEXT NOT NULL DEFAULT '',
  media_size INTEGER NOT NULL DEFAULT 0,
  media_filename TEXT NOT NULL DEFAULT '',
  media_ref TEXT NOT NULL DEFAULT '',
  sent_at TEXT NOT NULL,
  forwarded INTEGER NOT NULL DEFAULT 0,
  views INTEGER,
  UNIQUE (resource_key, source_message_id)
);

CREATE TABLE IF NOT EXISTS downloads (
  resource_key TEXT NOT NULL,
  source_message_id INTEGER NOT NULL,
  destination TEXT NOT NULL,
  status TEXT NOT NULL,
  percent INTEGER NOT NULL DEFAULT 0,
  speed INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  PRIMARY KEY (resource_key, source_message_id)
);
`

// Retry tuning for transient SQLITE_BUSY contention.
const (
	busyMaxAttempts = 4
	busyBaseDelay   = 500 * time.Millisecond
	busyMaxDelay    = 10 * time.Second
)

// Store wraps a *sql.DB with chanfetch-specific operations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// spurious table-lock errors under concurrent component writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isBusy reports whether err is transient lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "table is locked")
}

// withRetry runs fn, retrying transient contention with capped exponential
// backoff and jitter. Non-busy errors return immediately.
func withRetry(fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 0; attempt < busyMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		time.Sleep(delay + jitter)
		delay *= 2
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
	}
	return err
}

// Time encoding helpers. All instants are stored as RFC3339 UTC strings.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
