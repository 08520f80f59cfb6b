// Package persistence is the single writer of run, session, task, and image
// state. All mutations go through it under transactions.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/default-anton/jagc/migrations"
)

// Sentinel errors recognizable with errors.Is.
var (
	// ErrRunNotFound is returned when a run id resolves to no row.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunAlreadyFinal is returned when finalizing a run that already
	// reached a terminal state.
	ErrRunAlreadyFinal = errors.New("run already finalized")
	// ErrTelegramUpdateDup marks a telegram_update_id UNIQUE violation;
	// callers treat it as already-ingested.
	ErrTelegramUpdateDup = errors.New("telegram update already buffered")
	// ErrTaskNotFound is returned when a scheduled task id resolves to no row.
	ErrTaskNotFound = errors.New("scheduled task not found")
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path and applies pending
// migrations. Two processes opening the same store concurrently both
// converge; the schema_migrations table is the barrier.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migrate applies migrations/NNN_*.sql lexicographically. Each file runs in
// its own transaction that first claims the file's row in schema_migrations;
// a concurrent process that already claimed it causes a constraint error and
// the file is skipped.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := s.applyMigration(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) applyMigration(ctx context.Context, name string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE name = ?;`, migrationKey(name),
	).Scan(&exists); err != nil {
		return fmt.Errorf("check migration %s: %w", name, err)
	}
	if exists > 0 {
		return nil
	}

	sqlBytes, err := fs.ReadFile(migrations.FS, name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Claim first: a concurrent opener that already applied this file
		// makes the insert fail, and we skip without re-running the DDL.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?);`,
			migrationKey(name), nowUTC(),
		); err != nil {
			if isConstraintViolation(err) {
				return nil
			}
			return fmt.Errorf("claim migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		return nil
	})
}

// migrationKey strips the .sql suffix so the ledger lists bare names.
func migrationKey(name string) string {
	return strings.TrimSuffix(name, ".sql")
}

// busyRetryLimit bounds how often a write is re-attempted when another
// connection holds the lock past the driver's busy_timeout.
const busyRetryLimit = 6

// withBusyRetry re-runs f while sqlite reports the database locked. Waits
// grow linearly (40ms, 80ms, ...) with up to the same amount of random
// jitter, since the driver's own busy_timeout already absorbed the first
// five seconds of contention.
func withBusyRetry(ctx context.Context, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isBusy(err) || attempt == busyRetryLimit {
			return err
		}
		wait := time.Duration(attempt+1) * 40 * time.Millisecond
		wait += time.Duration(rand.IntN(int(wait)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// isBusy recognizes lock contention via the driver's typed error, with a
// message fallback for errors that arrive wrapped by database/sql.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// isConstraintViolation reports whether err is a UNIQUE/PRIMARY KEY
// constraint failure.
func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// timeLayout is ISO-8601 UTC with fixed-width fractional seconds so that
// lexicographic ordering of the column matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// nowUTC returns the current time formatted the way every timestamp column
// stores it.
func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
