// Package store is the typed row-access layer over a single-file SQLite
// database: projects, repositories, tasks, attempts, execution processes,
// drafts, and merges. Every multi-row mutation that touches a primary-repo
// invariant runs inside one transaction so no intermediate state is ever
// observable to a concurrent reader.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forgecrew/attemptkit/internal/logging"
)

// Store wraps a SQLite connection pool opened against one database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// pending migrations. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// SQLite allows exactly one writer; a connection pool only adds
	// contention for no benefit once WAL-mode reads are already concurrent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating database: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	logging.WithComponent("store").Debug("migrations applied", "count", len(migrations))
	return nil
}

// migrations is the ordered list of schema statements applied on every
// Open. Each statement is idempotent (CREATE ... IF NOT EXISTS) so running
// them against an already-migrated database is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		setup_script TEXT,
		dev_script TEXT,
		cleanup_script TEXT,
		copy_files TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS project_repositories (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		root_path TEXT NOT NULL DEFAULT '',
		is_primary BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_project_repositories_one_primary
		ON project_repositories(project_id) WHERE is_primary = 1`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_project_repositories_name
		ON project_repositories(project_id, name COLLATE NOCASE)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_project_repositories_path
		ON project_repositories(project_id, path, root_path)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		parent_task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'todo',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS task_images (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		container_ref TEXT,
		branch TEXT,
		base_branch TEXT NOT NULL,
		executor TEXT NOT NULL,
		worktree_deleted BOOLEAN NOT NULL DEFAULT 0,
		setup_completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS task_attempt_repositories (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES task_attempts(id) ON DELETE CASCADE,
		project_repository_id TEXT NOT NULL REFERENCES project_repositories(id) ON DELETE CASCADE,
		is_primary BOOLEAN NOT NULL DEFAULT 0,
		container_ref TEXT,
		branch TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempt_repositories_pair
		ON task_attempt_repositories(attempt_id, project_repository_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempt_repositories_one_primary
		ON task_attempt_repositories(attempt_id) WHERE is_primary = 1`,
	`CREATE TABLE IF NOT EXISTS execution_processes (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES task_attempts(id) ON DELETE CASCADE,
		run_reason TEXT NOT NULL,
		action_payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		exit_code INTEGER,
		after_head_commit TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS executor_sessions (
		id TEXT PRIMARY KEY,
		execution_process_id TEXT NOT NULL REFERENCES execution_processes(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		summary TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS drafts (
		attempt_id TEXT NOT NULL REFERENCES task_attempts(id) ON DELETE CASCADE,
		draft_type TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		variant TEXT,
		image_ids TEXT,
		queued BOOLEAN NOT NULL DEFAULT 0,
		sending TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (attempt_id, draft_type)
	)`,
	`CREATE TABLE IF NOT EXISTS merges (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES task_attempts(id) ON DELETE CASCADE,
		merge_commit_oid TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}
