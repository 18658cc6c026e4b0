// Package sqlite persists events, sessions, and agents in a single
// SQLite file opened in WAL mode. Writes go through one mutex (the
// single writer lane); reads run concurrently on the pool.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    agent_type TEXT NOT NULL,
    name TEXT,
    registered_at TEXT NOT NULL DEFAULT (datetime('now')),
    last_seen_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL REFERENCES agents(id),
    agent_type TEXT NOT NULL,
    project TEXT,
    branch TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    started_at TEXT NOT NULL DEFAULT (datetime('now')),
    ended_at TEXT,
    last_event_at TEXT NOT NULL DEFAULT (datetime('now')),
    metadata TEXT DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    agent_type TEXT NOT NULL,
    event_type TEXT NOT NULL,
    tool_name TEXT,
    status TEXT NOT NULL DEFAULT 'success' CHECK (status IN ('success', 'error', 'timeout')),
    tokens_in INTEGER DEFAULT 0,
    tokens_out INTEGER DEFAULT 0,
    branch TEXT,
    project TEXT,
    duration_ms INTEGER,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    client_timestamp TEXT,
    metadata TEXT DEFAULT '{}',
    payload_truncated INTEGER NOT NULL DEFAULT 0 CHECK (payload_truncated IN (0, 1)),
    model TEXT,
    cost_usd REAL,
    cache_read_tokens INTEGER DEFAULT 0,
    cache_write_tokens INTEGER DEFAULT 0,
    source TEXT DEFAULT 'api'
);

CREATE TABLE IF NOT EXISTS import_state (
    file_path TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    file_size INTEGER NOT NULL DEFAULT 0,
    record_count INTEGER NOT NULL DEFAULT 0,
    imported_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_tool_name ON events(tool_name);
CREATE INDEX IF NOT EXISTS idx_events_agent_type ON events(agent_type);
CREATE INDEX IF NOT EXISTS idx_events_model ON events(model);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// eventColumns keeps every SELECT over events in one column order so a
// single scan helper serves them all.
const eventColumns = `id, event_id, session_id, agent_type, event_type, tool_name, status,
	tokens_in, tokens_out, branch, project, duration_ms, created_at, client_timestamp,
	metadata, payload_truncated, model, cost_usd, cache_read_tokens, cache_write_tokens, source`

type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string

	events      *EventRepo
	sessions    *SessionRepo
	stats       *StatsRepo
	importState *ImportStateRepo
}

// Open creates or opens the database at path, applies pragmas and
// migrations, and verifies liveness with a trivial query. The special
// path ":memory:" yields a private in-memory database for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite.Open: create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	if memory {
		// database/sql hands out fresh connections; an in-memory database
		// exists per connection, so pin the pool to one.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite.Open: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err = s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.Open: migrate: %w", err)
	}

	var one int
	if err = db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.Open: health probe: %w", err)
	}

	s.events = &EventRepo{store: s}
	s.sessions = &SessionRepo{store: s}
	s.stats = &StatsRepo{store: s}
	s.importState = &ImportStateRepo{store: s}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Events() domain.EventRepository            { return s.events }
func (s *Store) Sessions() domain.SessionRepository        { return s.sessions }
func (s *Store) Stats() domain.StatsRepository             { return s.stats }
func (s *Store) ImportState() domain.ImportStateRepository { return s.importState }

// SizeBytes reports the database file size for the health endpoint.
// In-memory databases report 0.
func (s *Store) SizeBytes() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Ping verifies the database still answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("sqlite.Ping: %w", err)
	}
	return nil
}

// migrate applies the base schema and then backfills columns added after
// the first release. Both passes are idempotent.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	added := []struct {
		name string
		ddl  string
	}{
		{"client_timestamp", "client_timestamp TEXT"},
		{"payload_truncated", "payload_truncated INTEGER NOT NULL DEFAULT 0"},
		{"model", "model TEXT"},
		{"cost_usd", "cost_usd REAL"},
		{"cache_read_tokens", "cache_read_tokens INTEGER DEFAULT 0"},
		{"cache_write_tokens", "cache_write_tokens INTEGER DEFAULT 0"},
		{"source", "source TEXT DEFAULT 'api'"},
	}
	for _, col := range added {
		if err := s.ensureColumn(ctx, "events", col.name, col.ddl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, ddl string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err = rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("inspect %s: scan: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: rows: %w", table, err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
	if err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so scan helpers work
// inside and outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
