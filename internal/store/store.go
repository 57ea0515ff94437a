// Package store is the relational half of the persistence layer: visits,
// analyses, trees, procedural rules, and episodic memory in a single sqlite
// file. All writes are idempotent by key so the workflow can roll forward
// after partial failure.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes poorly across connections; one is enough
	// for a single-writer pipeline.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		page_loaded_at TEXT NOT NULL,
		referrer TEXT,
		referrer_timestamp TEXT,
		tree_id TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(url, page_loaded_at)
	);
	CREATE INDEX IF NOT EXISTS idx_visits_tree ON visits(tree_id);
	CREATE INDEX IF NOT EXISTS idx_visits_url ON visits(url);

	CREATE TABLE IF NOT EXISTS page_analyses (
		visit_id TEXT PRIMARY KEY REFERENCES visits(id),
		title TEXT NOT NULL,
		summary TEXT NOT NULL,
		intentions_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trees (
		id TEXT PRIMARY KEY,
		head_visit_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tree_members (
		tree_id TEXT NOT NULL REFERENCES trees(id),
		visit_id TEXT NOT NULL REFERENCES visits(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (tree_id, visit_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tree_members_tree ON tree_members(tree_id, position);

	CREATE TABLE IF NOT EXISTS tree_intentions (
		tree_id TEXT NOT NULL REFERENCES trees(id),
		visit_index INTEGER NOT NULL,
		intentions_json TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tree_id, visit_index)
	);

	CREATE TABLE IF NOT EXISTS procedural_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		condition_json TEXT NOT NULL,
		action TEXT NOT NULL,
		action_value TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used TEXT
	);

	CREATE TABLE IF NOT EXISTS rule_execution_history (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES procedural_rules(id),
		url TEXT NOT NULL,
		action TEXT NOT NULL,
		executed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rule_history_rule ON rule_execution_history(rule_id);

	CREATE TABLE IF NOT EXISTS episodic_memory (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		url TEXT NOT NULL,
		domain TEXT NOT NULL,
		page_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		original_decision INTEGER NOT NULL,
		reasoning TEXT NOT NULL,
		features_json TEXT NOT NULL DEFAULT '{}',
		corrected_decision INTEGER,
		corrected_type TEXT,
		correction_explanation TEXT,
		correction_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_domain ON episodic_memory(domain, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Fixed-width fraction so lexicographic comparison of stored timestamps
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
