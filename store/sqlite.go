// Package store persists tasks, agents, locks and audit records in SQLite.
// Set- and map-valued fields are serialized to JSON here and nowhere else.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	project_id            TEXT NOT NULL DEFAULT '',
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	priority              INTEGER NOT NULL DEFAULT 2,
	required_capabilities TEXT NOT NULL DEFAULT '[]',
	dependencies          TEXT NOT NULL DEFAULT '[]',
	assigned_to           TEXT NOT NULL DEFAULT '',
	last_agent            TEXT NOT NULL DEFAULT '',
	assigned_at           DATETIME,
	started_at            DATETIME,
	completed_at          DATETIME,
	estimated_minutes     INTEGER,
	actual_minutes        INTEGER,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	result                TEXT NOT NULL DEFAULT '',
	error                 TEXT NOT NULL DEFAULT '',
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'idle',
	last_heartbeat DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_capabilities (
	agent_id    TEXT NOT NULL,
	tag         TEXT NOT NULL,
	proficiency INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent_id, tag)
);

CREATE TABLE IF NOT EXISTS locks (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL DEFAULT '',
	resource_path   TEXT NOT NULL,
	holder_agent_id TEXT NOT NULL,
	lock_type       TEXT NOT NULL,
	status          TEXT NOT NULL,
	acquired_at     DATETIME NOT NULL,
	expires_at      DATETIME,
	released_at     DATETIME,
	release_reason  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_locks_resource ON locks(project_id, resource_path, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_one_exclusive
	ON locks(project_id, resource_path) WHERE status = 'active' AND lock_type = 'exclusive';

CREATE TABLE IF NOT EXISTS lock_waiters (
	project_id    TEXT NOT NULL,
	resource_path TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	requested_at  DATETIME NOT NULL,
	PRIMARY KEY (project_id, resource_path, agent_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	project_id    TEXT NOT NULL DEFAULT '',
	resource_path TEXT NOT NULL DEFAULT '',
	agent_ids     TEXT NOT NULL DEFAULT '[]',
	task_ids      TEXT NOT NULL DEFAULT '[]',
	description   TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	resolved_at   DATETIME
);

CREATE TABLE IF NOT EXISTS decisions (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	task_id       TEXT NOT NULL DEFAULT '',
	agent_id      TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL,
	overridden_by TEXT NOT NULL DEFAULT '',
	resolved_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	severity        TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL,
	message         TEXT NOT NULL DEFAULT '',
	task_id         TEXT NOT NULL DEFAULT '',
	agent_id        TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	acknowledged_at DATETIME
);
`

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs repository statements against a connection or a transaction.
type Queries struct {
	db dbtx
}

var _ Repo = (*Queries)(nil)

// SQLite is the Store backed by a single SQLite database.
type SQLite struct {
	*Queries
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open opens (or creates) the database at path and ensures the schema
// exists. ":memory:" is accepted for throwaway stores. The caller is
// responsible for calling Close.
func Open(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: SQLite serializes writers and every transaction sees
	// the previous one's commit.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal_mode: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{Queries: &Queries{db: db}, db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// InTx runs fn inside one transaction and commits if fn returns nil. fn must
// only use the Repo it is given; the store has a single connection, so
// touching s directly from inside fn blocks.
func (s *SQLite) InTx(ctx context.Context, fn func(Repo) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// NewID generates a random UUID string.
func NewID() string { return uuid.NewString() }

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
