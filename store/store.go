// Package store provides the single embedded-database connection every
// other package in opencode-mem reads and writes through: connection
// management, idempotent schema initialisation, forward-only migrations,
// and the small JSON/row helpers the rest of the core relies on
// (spec.md §4.1, component C1).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencode-mem/opencode-mem/log"
)

// Options configures a Store's connection.
type Options struct {
	// BusyTimeout bounds how long a writer waits for the database lock
	// before SQLITE_BUSY is returned.
	BusyTimeout time.Duration

	// MaxOpenConns bounds the connection pool; SQLite allows only one
	// writer at a time regardless, but readers benefit from more.
	MaxOpenConns int

	Logger log.Logger
}

// DefaultOptions mirrors the teacher's WAL/NORMAL defaults.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 10,
	}
}

// Store owns the single *sql.DB handle for the whole process. No query
// result or row ever escapes as a live reference; everything returned by
// the packages built on Store is a plain value.
type Store struct {
	db     *sql.DB
	path   string
	logger log.Logger
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL journalling with a rollback-journal fallback left to the driver,
// turns on foreign key enforcement, and runs schema initialisation. path
// may be ":memory:" or "file::memory:?cache=shared" for tests.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeout == 0 {
		opts = DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNullLogger()
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := fmt.Sprintf("%s%s_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=1&_busy_timeout=%d",
		path, sep, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path, logger: opts.Logger}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise schema: %w", err)
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	if err := s.runMigrations(ctx); err != nil {
		return err
	}
	return nil
}

// DB returns the underlying *sql.DB for packages that need raw access
// (e.g. to begin their own transactions). Callers must not close it.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the filesystem path (or DSN) this Store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic. This is the one place write operations
// across the core should reach for when more than one statement must be
// atomic (spec.md §7: "on any error inside a write txn, all changes
// roll back").
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
