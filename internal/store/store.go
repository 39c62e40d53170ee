// Package store implements the durable session/memory store over SQLite.
// It owns every persistent entity: sessions, memories, checkpoints,
// lineage, patterns and provider configs. All mutations serialize
// through a single writer lock; reads run concurrently under WAL
// snapshot isolation.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

// Capabilities reports which optional engine features the open database
// supports. Vector search is gated on Vec; keyword search degrades to
// LIKE scans without FTS.
type Capabilities struct {
	FTS bool
	Vec bool
}

// Store is the single custodian of persistent state.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	caps   Capabilities
}

// Open initializes the SQLite database at path, creating the schema
// idempotently and applying additive column migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	} else {
		dsn = "file::memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The writer lock serializes mutations; one connection avoids
	// table-lock contention between pooled connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	s.probeCapabilities()

	logging.Store("Store opened: path=%s fts=%v vec=%v", path, s.caps.FTS, s.caps.Vec)
	return s, nil
}

// initialize creates the required tables. Every statement is idempotent.
func (s *Store) initialize() error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_description TEXT NOT NULL,
		max_tokens INTEGER NOT NULL DEFAULT 200000,
		current_tokens INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_description);
	`

	memoriesTable := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'other',
		priority TEXT NOT NULL DEFAULT 'normal',
		embedding BLOB,
		metadata TEXT,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
	CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
	`

	checkpointsTable := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		state TEXT NOT NULL,
		context_usage REAL NOT NULL DEFAULT 0,
		memories_snapshot TEXT NOT NULL DEFAULT '[]',
		metadata TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
	`

	lineageTable := `
	CREATE TABLE IF NOT EXISTS session_lineage (
		id TEXT PRIMARY KEY,
		parent_session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		child_session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
		handoff_reason TEXT NOT NULL DEFAULT '',
		handoff_prompt TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT REFERENCES checkpoints(id) ON DELETE SET NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lineage_parent ON session_lineage(parent_session_id);
	`

	patternsTable := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		pattern_name TEXT NOT NULL,
		pattern_description TEXT NOT NULL DEFAULT '',
		code_example TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		source_mode TEXT NOT NULL DEFAULT 'manual',
		source_files TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_session ON patterns(session_id);
	CREATE INDEX IF NOT EXISTS idx_patterns_name ON patterns(pattern_name);
	`

	llmConfigsTable := `
	CREATE TABLE IF NOT EXISTS llm_configs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL UNIQUE,
		encrypted_api_key BLOB NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	for _, table := range []string{sessionsTable, memoriesTable, checkpointsTable, lineageTable, patternsTable, llmConfigsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// probeCapabilities detects FTS5 and sqlite-vec support in the driver
// build. The keyword index is kept in sync by triggers so memory writes
// need no application-level coordination.
func (s *Store) probeCapabilities() {
	ftsSchema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content, content='memories', content_rowid='rowid'
	);
	CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE OF content ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	`
	if _, err := s.db.Exec(ftsSchema); err != nil {
		logging.Get(logging.CategoryStore).Warn("FTS5 unavailable, falling back to LIKE scans: %v", err)
		s.caps.FTS = false
	} else {
		s.caps.FTS = true
	}

	var vecVersion string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.StoreDebug("sqlite-vec unavailable, vector search uses in-process cosine: %v", err)
		s.caps.Vec = false
	} else {
		logging.Store("sqlite-vec loaded: %s", vecVersion)
		s.caps.Vec = true
	}
}

// Capabilities returns the probed optional-feature flags.
func (s *Store) Capabilities() Capabilities {
	return s.caps
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the store clock: UTC, millisecond precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// translateErr maps engine errors onto the typed error kinds.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", types.ErrStoreConflict, err)
	}
	return err
}

// marshalJSON serializes a value for a TEXT column; nil maps become "{}".
func marshalJSON(v interface{}) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
