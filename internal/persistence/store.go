package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/todo-agent/internal/bus"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "todo-v1-todo-audit"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

var (
	// ErrNotFound is returned when an id addresses no task.
	ErrNotFound = errors.New("task not found")
	// ErrEmptyName rejects tasks and renames with a blank name.
	ErrEmptyName = errors.New("task name is empty")
	// ErrNoFields rejects an update that changes nothing.
	ErrNoFields = errors.New("no fields to update")
)

// Options configures Open.
type Options struct {
	Driver Driver
	// Path is the SQLite database file. Ignored for postgres.
	Path string
	// DSN is the lib/pq connection string. Ignored for sqlite.
	DSN    string
	Bus    *bus.Bus     // may be nil
	Logger *slog.Logger // may be nil
	// Now overrides the clock used for default due dates.
	Now func() time.Time
}

// Store is the task store shared by every concurrent request. All methods
// are safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver Driver
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// DefaultDBPath is the SQLite file used when no path is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".todoagent", "todo.db")
}

// Open connects to the configured backend and brings the schema up to date.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite:
		path := opts.Path
		if path == "" {
			path = DefaultDBPath()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		db, err = sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path))
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, errors.New("postgres driver requires a dsn")
		}
		db, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	store := &Store{db: db, driver: opts.Driver, bus: opts.Bus, logger: opts.Logger, now: opts.Now}
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Driver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.driver, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withBusyRetry runs f once on postgres and through retryOnBusy on SQLite,
// where BUSY and LOCKED are the only retryable errors.
func (s *Store) withBusyRetry(ctx context.Context, f func() error) error {
	if s.driver != DriverSQLite {
		return f()
	}
	return retryOnBusy(ctx, busyRetries, f)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout. Other errors return
// immediately.
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

// isSQLiteBusy reports SQLITE_BUSY (5) and SQLITE_LOCKED (6) by message so the
// check works without importing the cgo driver package.
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

func (s *Store) configurePragmas(ctx context.Context) error {
	if s.driver != DriverSQLite {
		return nil
	}
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) schemaStatements() []string {
	if s.driver == DriverPostgres {
		return []string{
			`CREATE TABLE IF NOT EXISTS todo (
				id SERIAL PRIMARY KEY,
				name VARCHAR NOT NULL,
				is_done BOOLEAN NOT NULL DEFAULT FALSE,
				due_date TIMESTAMP NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id BIGSERIAL PRIMARY KEY,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				trace_id TEXT NOT NULL DEFAULT '',
				decision TEXT NOT NULL,
				action TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT ''
			);`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS todo (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			is_done BOOLEAN NOT NULL DEFAULT 0,
			due_date TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			trace_id TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT ''
		);`,
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT checksum FROM schema_migrations WHERE version = ?;`), schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range s.schemaStatements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT (version) DO NOTHING;
	`), schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	s.logger.Info("schema migrated", "driver", string(s.driver), "from", maxVersion, "to", schemaVersionLatest)
	return nil
}
