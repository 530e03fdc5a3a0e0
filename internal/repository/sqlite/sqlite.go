// Package sqlite implements the repository interfaces on SQLite.
//
// WHY SQLITE?
// The run journal is a single append-mostly table owned by one process.
// An embedded database file needs no server next to the dojo, and tests
// use ":memory:" for a throwaway journal.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 needs cgo, which makes the alpine worker image and cross
// builds painful. modernc.org/sqlite is a pure Go translation of SQLite.
//
// The pattern is always:
//  1. sql.Open("sqlite", path)              -> a connection pool, not a connection
//  2. db.ExecContext / db.QueryContext      -> run statements
//  3. rows.Scan(&field1, &field2)           -> read results into Go values
package sqlite

import (
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements
// repository.RunRepository.
//
// WHY WRAP sql.DB IN A STRUCT?
// The repository methods hang off it, server.New owns its lifecycle (New
// opens it, Close releases the file), and callers only ever see the
// RunRepository interface.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// sql.Open only creates the pool; Ping forces a real connection so a bad
// path fails here instead of on the first write.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every ":memory:" connection is its own database, so the pool must
	// never open a second one.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets the run listing read while the journal writer appends.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it safe to run
// on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			subject      TEXT NOT NULL,
			slot         TEXT NOT NULL,
			execution_id INTEGER NOT NULL,
			code         TEXT NOT NULL,
			status       TEXT NOT NULL,
			output       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
		CREATE INDEX IF NOT EXISTS idx_runs_subject_slot ON runs(subject, slot);
	`)
	if err != nil {
		return fmt.Errorf("creating runs table: %w", err)
	}

	return nil
}
