// Package store is the single-writer sqlite persistence layer backing
// the coordination engine. Every invariant in SPEC §3 is encoded here
// as a schema constraint or a transaction, not re-checked piecemeal
// above this layer (SPEC §9).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/taskcoord/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "tc-v1-task-coordination-core"
)

// Store wraps a single *sql.DB configured for single-writer discipline:
// one open connection, WAL journaling, and a busy-retry wrapper around
// every write transaction (SPEC §4.1, §5).
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.taskcoord/taskcoord.db, the conventional location
// for the local relational-database file (SPEC §6).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskcoord", "taskcoord.db")
}

// Open creates (if necessary) and migrates the sqlite file at path, or
// opens an in-memory database when path == ":memory:".
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	// _txlock=immediate makes every sql.Tx a BEGIN IMMEDIATE: the writer
	// lock is grabbed when the transaction opens, not on its first write
	// (SPEC §4.1, §5's read-lock-upgrade warning).
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection means there is only ever one writer to
	// contend with; it does NOT by itself make a check-then-write
	// operation atomic across goroutines — database/sql will still let
	// a second caller's statement borrow the connection between two
	// unrelated Exec/Query calls. Every multi-step operation therefore
	// runs inside an explicit BeginTx/Commit below, which holds the
	// connection for the duration of the transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying *sql.DB for diagnostics (PRAGMA checks, the
// CLI doctor subcommand).
func (s *Store) DB() *sql.DB { return s.db }

// conn is satisfied by both *sql.DB and *sql.Tx. Row-scanning helpers
// are written against it so the same code reads either the ambient
// connection (for simple, single-statement reads) or a transaction
// (for every check-then-write operation), per SPEC §4.1/§4.3.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}

	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	// Forward-only migration scripts, applied in order (SPEC §6).
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			code        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			owner       TEXT,
			state       TEXT NOT NULL CHECK(state IN ('Created','InProgress','Blocked','Review','Done','Archived')),
			created_at  DATETIME NOT NULL,
			done_at     DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_owner ON task(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_task_state ON task(state);`,
		`CREATE INDEX IF NOT EXISTS idx_task_created_at ON task(created_at, id);`,

		`CREATE TABLE IF NOT EXISTS work_session (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id            INTEGER NOT NULL REFERENCES task(id),
			agent              TEXT NOT NULL,
			started_at         DATETIME NOT NULL,
			ended_at           DATETIME,
			notes              TEXT,
			productivity_score REAL
		);`,
		// Enforces SPEC invariant (4): at most one open session per (task, agent).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_work_session_open
			ON work_session(task_id, agent) WHERE ended_at IS NULL;`,

		`CREATE TABLE IF NOT EXISTS task_message (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			task_code           TEXT NOT NULL REFERENCES task(code),
			author              TEXT NOT NULL,
			target              TEXT,
			message_type        TEXT NOT NULL,
			content             TEXT NOT NULL,
			reply_to_message_id INTEGER REFERENCES task_message(id),
			created_at          DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_message_task_code ON task_message(task_code, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_message_reply_to ON task_message(reply_to_message_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f when sqlite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter (SPEC §5, "bounded wait" discipline).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// mapWriteErr turns a uniqueness violation into DuplicateCode and
// anything else into a Database-kind domain error (SPEC §4.1).
func mapWriteErr(err error, code string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed: task.code") {
		return domain.NewErrorf(domain.DuplicateCode, "task code %q already exists", code).WithData(map[string]any{"code": code})
	}
	return domain.Wrap(domain.Database, "store operation failed", err)
}
