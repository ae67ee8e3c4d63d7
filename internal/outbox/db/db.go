// Package db provides the durable on-device store of the offline write queue.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WASM build) with
// two tables:
//
//   - pending_writes: records not yet confirmed by the backend, keyed by id and
//     ordered by an autoincrement seq column (per-stream FIFO order)
//   - archived_writes: dead-lettered records with the same shape, excluded from
//     every automatic drain
//
// The one-in-flight-per-stream and one-in-flight-per-dedup-key invariants are
// enforced by the store (partial UNIQUE indexes plus checks inside the claiming
// transaction), so racing drain triggers cannot break them.
//
// The database runs on a single pooled connection. SQLite allows one writer at a
// time, and serialising on the connection keeps claims atomic without a busy loop.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MemoryPath opens a store that lives only for the current process.
const MemoryPath = ":memory:"

// Schema version tracking:
// 0 - no schema
// 1 - pending_writes, archived_writes
// 2 - failure_class column, in-flight unique indexes
const currentSchemaVersion = 2

var (
	// ErrNotFound is returned when no active or archived record has the id.
	ErrNotFound = errors.New("pending write not found")
	// ErrStreamBusy is returned when a stream already has a record in flight,
	// or the record is not the head of its stream.
	ErrStreamBusy = errors.New("stream already has a write in flight")
	// ErrDedupBusy is returned when a record with the same dedup key is in flight.
	ErrDedupBusy = errors.New("dedup key already has a write in flight")
	// ErrInFlight is returned by operator actions that cannot touch an in-flight record.
	ErrInFlight = errors.New("pending write is in flight")
	// ErrNotDispatchable is returned when claiming a record in a non-dispatchable state.
	ErrNotDispatchable = errors.New("pending write is not dispatchable")
	// ErrDuplicate is returned by Import when the id already exists.
	ErrDuplicate = errors.New("pending write already exists")
)

// Options tunes store behaviour.
type Options struct {
	// MaxRetries is the retry ceiling. A retryable failure that brings
	// retry_count to this value moves the record to failed_terminal.
	// Zero disables the ceiling.
	MaxRetries int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 25,
		Now:        time.Now,
	}
}

// DB wraps the SQLite connection of the write queue.
type DB struct {
	conn *sql.DB
	path string
	opts Options

	observersMu sync.RWMutex
	observers   map[int]Observer
	nextObs     int
}

// Open opens (creating if needed) the queue database at path with default options.
//
// The caller MUST call Close() when done. InitSchema must run before use.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, DefaultOptions())
}

// OpenWithOptions opens the queue database with custom options.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative (got %d)", opts.MaxRetries)
	}

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single writer, never recycled: an in-memory store lives on this connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{
		conn:      conn,
		path:      path,
		opts:      opts,
		observers: make(map[int]Observer),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Path returns the database location.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// MaxRetries returns the configured retry ceiling.
func (db *DB) MaxRetries() int {
	return db.opts.MaxRetries
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != MemoryPath {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the queue tables if they don't exist and runs migrations.
// This is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the queue schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_writes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		stream_key TEXT NOT NULL,
		dedup_key TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,  -- JSON, opaque to the queue
		retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
		last_error TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending'
			CHECK (state IN ('pending', 'in_flight', 'failed_retryable', 'failed_terminal')),
		created_at INTEGER NOT NULL,  -- unix nanos
		updated_at INTEGER NOT NULL,
		next_attempt_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS archived_writes (
		seq INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		stream_key TEXT NOT NULL,
		dedup_key TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,  -- state at archive time
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		next_attempt_at INTEGER,
		archived_at INTEGER NOT NULL,
		archive_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_pending_stream ON pending_writes(stream_key, seq);
	CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_writes(state);
	CREATE INDEX IF NOT EXISTS idx_pending_dedup ON pending_writes(dedup_key) WHERE dedup_key <> '';
	CREATE INDEX IF NOT EXISTS idx_pending_tenant ON pending_writes(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_archived_stream ON archived_writes(stream_key);
	CREATE INDEX IF NOT EXISTS idx_archived_at ON archived_writes(archived_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.runMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func (db *DB) runMigrations(ctx context.Context) error {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := db.migrateToV2(ctx); err != nil {
			return err
		}
	}

	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV2 adds failure_class and the in-flight unique indexes.
func (db *DB) migrateToV2(ctx context.Context) error {
	for _, table := range []string{"pending_writes", "archived_writes"} {
		has, err := db.hasColumn(ctx, table, "failure_class")
		if err != nil {
			return err
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN failure_class TEXT NOT NULL DEFAULT ''", table)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	_, err := db.conn.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_one_in_flight_per_stream
			ON pending_writes(stream_key) WHERE state = 'in_flight';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_one_in_flight_per_dedup
			ON pending_writes(dedup_key) WHERE state = 'in_flight' AND dedup_key <> '';
		CREATE INDEX IF NOT EXISTS idx_pending_class ON pending_writes(failure_class);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

func (db *DB) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// QuickCheck runs SQLite's quick integrity check.
func (db *DB) QuickCheck(ctx context.Context) error {
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check: %s", result)
	}
	return nil
}

// Recovery describes what OpenOrRecover had to do to get a usable store.
type Recovery struct {
	// Err is the failure that triggered recovery (nil when the store opened cleanly).
	Err error
	// MovedTo is where the unreadable database file was moved, if anywhere.
	MovedTo string
	// InMemory is set when the session runs on a throwaway in-memory store.
	InMemory bool
}

// Recovered reports whether the store had to fall back.
func (r Recovery) Recovered() bool {
	return r.Err != nil
}

// OpenOrRecover opens and initialises the store, failing open.
//
// A corrupt or unreadable database is logged and moved aside (never deleted)
// and a fresh store is created in its place, so the session starts with zero
// pending records instead of blocking the app. If even that fails the session
// runs on an in-memory store.
func OpenOrRecover(ctx context.Context, path string, opts Options, logger *slog.Logger) (*DB, Recovery) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openChecked(ctx, path, opts)
	if err == nil {
		return db, Recovery{}
	}

	rec := Recovery{Err: err}
	logger.Error("write queue store unreadable, starting with an empty queue",
		"path", path, "error", err)

	if path != MemoryPath {
		if _, statErr := os.Stat(path); statErr == nil {
			moved := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
			if renameErr := os.Rename(path, moved); renameErr != nil {
				logger.Error("failed to move damaged store aside", "path", path, "error", renameErr)
			} else {
				rec.MovedTo = moved
				for _, suffix := range []string{"-wal", "-shm"} {
					_ = os.Rename(path+suffix, moved+suffix)
				}
				logger.Warn("damaged store preserved for support", "moved_to", moved)
			}
		}

		if rec.MovedTo != "" {
			if db, err := openChecked(ctx, path, opts); err == nil {
				return db, rec
			} else {
				logger.Error("failed to recreate store", "path", path, "error", err)
			}
		}
	}

	db, err = openChecked(ctx, MemoryPath, opts)
	if err != nil {
		logger.Error("failed to open in-memory store", "error", err)
		rec.Err = errors.Join(rec.Err, err)
		return nil, rec
	}
	rec.InMemory = true
	logger.Warn("write queue running in memory for this session; queued writes will not survive a restart")
	return db, rec
}

func openChecked(ctx context.Context, path string, opts Options) (*DB, error) {
	db, err := OpenWithOptions(path, opts)
	if err != nil {
		return nil, err
	}
	if err := db.QuickCheck(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) now() time.Time {
	return db.opts.Now().UTC()
}
