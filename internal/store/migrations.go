package store

import (
	"database/sql"
	"fmt"

	"ralphd/internal/logging"
)

// Migration defines an additive column migration. The opener scans
// existing columns and adds any missing ones; columns are never dropped.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists schema changes for databases created by older
// builds where the table exists but a newer column is missing.
var pendingMigrations = []Migration{
	// Memory access tracking (added for curation scoring)
	{"memories", "access_count", "INTEGER NOT NULL DEFAULT 0"},
	{"memories", "last_accessed_at", "DATETIME"},
	// Vector search support
	{"memories", "embedding", "BLOB"},
	// Checkpoint metadata (added for fold results)
	{"checkpoints", "metadata", "TEXT"},
	// Pattern provenance
	{"patterns", "source_mode", "TEXT NOT NULL DEFAULT 'manual'"},
	{"patterns", "source_files", "TEXT NOT NULL DEFAULT '[]'"},
}

// RunMigrations applies additive column migrations to an existing
// database. Failures on individual columns are tolerated: the column
// may already exist in a different form.
func RunMigrations(db *sql.DB) error {
	applied := 0
	skipped := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}

		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			skipped++
		} else {
			logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
			applied++
		}
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks for a column using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks sqlite_master for the table.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}
