package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens the shared database file, creating it and its schema on first
// use. Every memva process (daemon, bridge, ops CLI) opens the same file;
// WAL mode plus the busy timeout make concurrent access from separate
// processes safe.
func Open(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates all tables. Safe to run on every open; the bridge and the
// daemon race to open the file and whichever gets there first wins.
func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT,
		project_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		claude_status TEXT NOT NULL DEFAULT 'not_started',
		resume_token TEXT,
		metadata TEXT,
		settings TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS events (
		uuid TEXT PRIMARY KEY,
		memva_session_id TEXT NOT NULL,
		external_session_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		parent_uuid TEXT,
		is_sidechain INTEGER NOT NULL DEFAULT 0,
		cwd TEXT NOT NULL DEFAULT '',
		project_name TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL,
		visible INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(memva_session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_external ON events(external_session_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		error TEXT,
		result TEXT,
		scheduled_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(type, status);

	CREATE TABLE IF NOT EXISTS permission_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_use_id TEXT,
		input TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		decision TEXT,
		decided_at DATETIME,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_session ON permission_requests(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_permissions_expiry ON permission_requests(status, expires_at);

	CREATE TABLE IF NOT EXISTS settings (
		id TEXT PRIMARY KEY CHECK (id = 'singleton'),
		config TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}
