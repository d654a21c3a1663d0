// Package store provides SQLite-backed persistence for Baton.
//
// Every process participating in coordination opens the same database file.
// Mutations run inside BEGIN IMMEDIATE transactions so that concurrent
// writers, in this process or another, serialize on the file's write lock.
// Timestamps are stored as UTC unix nanoseconds.
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

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides access to the Baton SQLite database.
type Store struct {
	db     *sql.DB
	path   string
	mirror func(models.AuditEntry)
}

// auditTx collects the audit entries written during one transaction so
// they can be mirrored once it commits.
type auditTx struct {
	querier
	entries []models.AuditEntry
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const busyRetries = 5

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// One connection per handle; other processes are serialized by SQLite itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: dbPath}
	ctx := context.Background()
	if err := s.checkIntegrity(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := retryOnBusy(ctx, busyRetries, func() error { return s.migrate(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", mapErr(err))
	}

	return s, nil
}

// SetAuditMirror registers fn to receive every audit entry written inside a
// store transaction, after that transaction commits. Call it before the
// store is shared between goroutines.
func (s *Store) SetAuditMirror(fn func(models.AuditEntry)) {
	s.mirror = fn
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file the store was opened on.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.db.PingContext(ctx))
}

func (s *Store) checkIntegrity(ctx context.Context) error {
	var result string
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result)
	})
	if err != nil {
		return fmt.Errorf("integrity check: %w", mapErr(err))
	}
	if result != "ok" {
		return errors.Corrupt("database", s.path, errors.New(result))
	}
	return nil
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		holder TEXT NOT NULL,
		mode TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER,
		UNIQUE (scope, holder)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		class TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payload TEXT NOT NULL,
		result TEXT,
		error TEXT,
		owner_run_id TEXT,
		supersedes TEXT,
		created_at INTEGER NOT NULL,
		bundled_at INTEGER,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS routes (
		slot_id INTEGER PRIMARY KEY,
		priority INTEGER NOT NULL,
		backend TEXT NOT NULL,
		bound_credential TEXT NOT NULL,
		overridden INTEGER NOT NULL DEFAULT 0,
		class_allowlist TEXT NOT NULL DEFAULT '[]',
		class_blocklist TEXT NOT NULL DEFAULT '[]',
		health TEXT NOT NULL DEFAULT 'active',
		quarantine_reason TEXT,
		quarantined_at INTEGER,
		last_probe TEXT,
		last_probe_detail TEXT,
		last_checked_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS emergency_pins (
		class TEXT PRIMARY KEY,
		slot_id INTEGER NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		class TEXT NOT NULL,
		slot_id INTEGER NOT NULL,
		credential TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		subject TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_locks_expires ON locks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts(started_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_timestamp ON pdr(timestamp);

	CREATE TRIGGER IF NOT EXISTS tasks_no_delete
	BEFORE DELETE ON tasks
	BEGIN
		SELECT RAISE(ABORT, 'tasks are retained');
	END;

	CREATE TRIGGER IF NOT EXISTS tasks_terminal_frozen
	BEFORE UPDATE ON tasks
	WHEN OLD.status IN ('completed', 'failed', 'expired')
	BEGIN
		SELECT RAISE(ABORT, 'task is terminal');
	END;

	CREATE TRIGGER IF NOT EXISTS pdr_no_update
	BEFORE UPDATE ON pdr
	BEGIN
		SELECT RAISE(ABORT, 'audit trail is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS pdr_no_delete
	BEFORE DELETE ON pdr
	BEGIN
		SELECT RAISE(ABORT, 'audit trail is append-only');
	END;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// writeTx runs fn inside BEGIN IMMEDIATE on a dedicated connection. The
// write lock is taken up front, so reads made inside fn cannot be
// invalidated by another writer before commit.
func (s *Store) writeTx(ctx context.Context, fn func(q querier) error) error {
	var committed []models.AuditEntry
	err := retryOnBusy(ctx, busyRetries, func() error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		tx := &auditTx{querier: conn}
		if err := fn(tx); err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			return err
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			return fmt.Errorf("commit: %w", err)
		}
		committed = tx.entries
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	if s.mirror != nil {
		for _, e := range committed {
			s.mirror(e)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff, true
	}
	return 0, false
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// mapErr turns low-level corruption reports into ErrStoreCorrupt.
func mapErr(err error) error {
	if err == nil || errors.Is(err, errors.ErrStoreCorrupt) {
		return err
	}
	if code, ok := sqliteCode(err); ok && (code == sqlite3.SQLITE_CORRUPT || code == sqlite3.SQLITE_NOTADB) {
		return fmt.Errorf("%w: %v", errors.ErrStoreCorrupt, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "file is not a database") || strings.Contains(msg, "disk image is malformed") {
		return fmt.Errorf("%w: %v", errors.ErrStoreCorrupt, err)
	}
	return err
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
