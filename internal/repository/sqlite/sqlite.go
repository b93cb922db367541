// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// The runner only stores finished submissions: one insert per submit and a few
// reads from the exam dashboard. An embedded file database covers that load
// with no server to deploy next to the sandbox.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 needs CGo. modernc.org/sqlite is a pure Go translation of
// the SQLite C code, so the runner builds without a C toolchain even though it
// shells out to C compilers at runtime.
//
// The pattern is always:
//  1. sql.Open(driverName, dataSourceName) → creates a pool
//  2. db.QueryContext / db.ExecContext     → runs queries
//  3. rows.Scan(&field1, &field2)          → reads results into Go variables
package sqlite

import (
	"database/sql"
	"fmt"

	// BLANK IMPORT:
	// The package's init() registers a database/sql driver named "sqlite".
	// Nothing else from it is used directly.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements repository.SubmissionRepository.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/runner.db"  → file-based database (persistent)
//   - ":memory:"        → in-memory database (tests; lost on close)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate, empty database. Pin the
	// pool to a single connection so all queries see the same one.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	// Ping verifies the connection actually works.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WHY WAL?
	// In the default rollback-journal mode a writer locks out every reader.
	// With a write-ahead log, GET /api/submissions keeps reading the last
	// committed snapshot while a submit is being stored.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Concurrent submits queue on the write lock instead of failing with SQLITE_BUSY.
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

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate runs all database migrations. CREATE ... IF NOT EXISTS keeps it
// safe to run on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS submissions (
			id           TEXT PRIMARY KEY,
			language     TEXT NOT NULL,
			question_id  TEXT NOT NULL DEFAULT '',
			candidate_id TEXT NOT NULL DEFAULT '',
			code_digest  TEXT NOT NULL,
			score        INTEGER NOT NULL,
			total        INTEGER NOT NULL,
			passed       INTEGER NOT NULL,
			failed       INTEGER NOT NULL,
			cases        TEXT NOT NULL DEFAULT '[]',
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at);
		CREATE INDEX IF NOT EXISTS idx_submissions_question_candidate ON submissions(question_id, candidate_id);
	`)
	if err != nil {
		return fmt.Errorf("creating submissions table: %w", err)
	}
	return nil
}
