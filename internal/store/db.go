// Package store is the durable relational Store: projects, tasks,
// task dependencies, task logs, agents, agent-channel bindings,
// task-type defaults, and idempotency records, all backed by SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/taskforge/coordinator/internal/coordfault"
)

//go:embed schema.sql
var schemaSQL string

// Config controls pool sizing and transaction behavior. Zero values
// are replaced with the defaults below by Open.
type Config struct {
	MaxOpenConns   int
	MaxIdleConns   int
	CommandTimeout time.Duration
	// ResetCooldown bounds pool resets to at most one per window on
	// repeated acquisition failure (spec.md §5).
	ResetCooldown time.Duration
	// MaxResetThreshold is the number of consecutive failures that
	// triggers a single reset within the cooldown window.
	MaxResetThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.ResetCooldown == 0 {
		c.ResetCooldown = 30 * time.Second
	}
	if c.MaxResetThreshold == 0 {
		c.MaxResetThreshold = 5
	}
	return c
}

// Store wraps the SQLite connection pool and the transaction helper
// every subsystem builds on.
type Store struct {
	db   *sql.DB
	path string
	cfg  Config

	mu            sync.Mutex
	failureCount  int
	resetWindow   time.Time
}

// Open creates or attaches to the SQLite database at path, applies the
// embedded schema, and configures the connection pool.
func Open(path string, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	s := &Store{db: db, path: path, cfg: cfg}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for subsystems needing raw access
// (e.g. read-only list queries with custom filters).
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction with the configured command
// timeout, retrying a bounded number of times with exponential backoff
// when the failure classifies as transient (spec.md §7). On repeated
// acquisition failure across calls it resets the pool at most once per
// cooldown window.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	const maxAttempts = 3
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
		err := s.runTx(cctx, fn)
		cancel()

		if err == nil {
			s.recordSuccess()
			return nil
		}

		lastErr = err
		if coordfault.CodeOf(err) != coordfault.Transient {
			return err
		}

		s.recordFailure()

		if attempt < maxAttempts-1 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 20 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return coordfault.Wrap(coordfault.Transient, ctx.Err(), "context cancelled during retry backoff")
			}
		}
	}

	return lastErr
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr(err, "begin transaction")
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyErr(err, "commit transaction")
	}

	return nil
}

// recordFailure increments the failure counter and, once it crosses
// MaxResetThreshold within the cooldown window, performs a single pool
// reset: idle connections are closed and later acquisitions open new
// ones lazily; the *sql.DB itself stays open.
func (s *Store) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.resetWindow.IsZero() || now.Sub(s.resetWindow) > s.cfg.ResetCooldown {
		s.resetWindow = now
		s.failureCount = 1
		return
	}

	s.failureCount++
	if s.failureCount > s.cfg.MaxResetThreshold {
		s.db.SetMaxIdleConns(0)
		s.db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		s.failureCount = 0
		s.resetWindow = time.Time{}
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
}

// classifyErr maps a database/sql or driver error onto the taxonomy
// (spec.md §7): sql.ErrNoRows -> not-found, context deadline/SQLITE_BUSY
// -> transient, everything else -> internal.
func classifyErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return coordfault.Wrap(coordfault.NotFound, err, op)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return coordfault.Wrap(coordfault.Transient, err, op)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return coordfault.Wrap(coordfault.Transient, err, op)
		}
	}

	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return coordfault.Wrap(coordfault.Validation, err, "%s: duplicate", op)
	}

	return coordfault.Wrap(coordfault.Internal, err, op)
}
