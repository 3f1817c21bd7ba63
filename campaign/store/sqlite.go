package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteDialect targets the CGO-free modernc driver. SQLite has no row
// locks: writers serialise on the database, so the lock suffixes are empty
// and the optimistic status precondition in the FSM carries the
// correctness burden (it does on MySQL too).
type sqliteDialect struct{}

func (sqliteDialect) insertIgnore() string { return "INSERT OR IGNORE" }
func (sqliteDialect) forUpdate() string    { return "" }
func (sqliteDialect) claimSuffix() string  { return "" }

func (sqliteDialect) isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns_v2 (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		metadata TEXT,
		spec TEXT,
		machine TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (name, namespace)
	)`,

	`CREATE TABLE IF NOT EXISTS nodes_v2 (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT,
		configuration TEXT,
		machine TEXT,
		UNIQUE (name, version, namespace)
	)`,

	`CREATE TABLE IF NOT EXISTS edges_v2 (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		metadata TEXT,
		configuration TEXT,
		UNIQUE (source, target, namespace)
	)`,

	`CREATE TABLE IF NOT EXISTS manifests_v2 (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		version INTEGER NOT NULL,
		kind TEXT NOT NULL,
		metadata TEXT,
		spec TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (name, version, namespace)
	)`,

	`CREATE TABLE IF NOT EXISTS machines_v2 (
		id TEXT PRIMARY KEY,
		state BLOB,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tasks_v2 (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		node TEXT NOT NULL,
		priority INTEGER,
		created_at INTEGER NOT NULL,
		submitted_at INTEGER,
		finished_at INTEGER,
		wms_id TEXT NOT NULL DEFAULT '',
		site_affinity TEXT,
		status TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		metadata TEXT,
		open_node TEXT UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS activity_log_v2 (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace TEXT NOT NULL,
		node TEXT,
		operator TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		finished_at INTEGER,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		detail TEXT,
		metadata TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_activity_namespace ON activity_log_v2 (namespace, id)`,
}

// OpenSQLite opens a SQLite-backed store and bootstraps its schema.
//
// Use ":memory:" (or "file::memory:?cache=shared" when several
// connections must see the same data) for tests; a file path for
// single-host deployments.
func OpenSQLite(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between pooled
	// connections; throughput is bounded by SQLite's writer lock anyway.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	return newSQLStore(db, sqliteDialect{}), nil
}
