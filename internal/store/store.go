// Package store provides the gateway's embedded SQLite persistence layer.
//
// All mutations are serialized behind a single mutex so server-assigned
// event ids are strictly monotonic: a reader paging with
// `WHERE id > ? ORDER BY id ASC` always observes a gap-free suffix.
// Reads run concurrently against the WAL.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/agentmux/agentmux/internal/logging"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = fmt.Errorf("store: not found")

// Store wraps the SQLite database with typed operations per entity.
type Store struct {
	db *sql.DB

	// mu serializes writers. SQLite allows one writer at a time anyway;
	// holding the lock across insert + LastInsertId keeps allocated ids in
	// insertion order.
	mu sync.Mutex

	log zerolog.Logger
}

// Open opens (creating if necessary) the database at path and applies the
// schema. WAL mode, foreign keys, and a busy timeout are always set.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, log: logging.WithComponent("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database liveness.
func (s *Store) Ping() error { return s.db.Ping() }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'operator',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	agent_id     TEXT,
	token_hash   TEXT NOT NULL,
	version      TEXT,
	capabilities TEXT NOT NULL DEFAULT '[]',
	last_seen_at INTEGER,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'pending',
	command          TEXT NOT NULL DEFAULT '',
	capability_token TEXT NOT NULL,
	worker_type      TEXT NOT NULL DEFAULT 'claude',
	model            TEXT NOT NULL DEFAULT '',
	autonomous       INTEGER NOT NULL DEFAULT 0,
	working_dir      TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '{}',
	client_id        TEXT,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	finished_at      INTEGER,
	exit_code        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at DESC);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	data       TEXT NOT NULL,
	sequence   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, id);

CREATE TABLE IF NOT EXISTS commands (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	command    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	result     TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	acked_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_commands_run_status ON commands(run_id, status, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	path       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS run_state (
	run_id           TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
	working_dir      TEXT NOT NULL DEFAULT '',
	original_command TEXT NOT NULL DEFAULT '',
	last_sequence    INTEGER NOT NULL DEFAULT 0,
	stdin_buffer     TEXT NOT NULL DEFAULT '',
	environment      TEXT NOT NULL DEFAULT '',
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nonces (
	value   TEXT PRIMARY KEY,
	seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	object_type TEXT NOT NULL DEFAULT '',
	object_id   TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	remote_addr TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
`

// migrate applies the schema. Statements are idempotent, so startup under
// an exclusive writer lock is all the migration machinery needed.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Time columns store unix milliseconds.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func fromMillisPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}
