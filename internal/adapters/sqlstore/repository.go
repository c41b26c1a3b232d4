package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/inkwell/internal/core/ports"
)

// Driver selects the embedded SQL engine backing the repository.
type Driver string

const (
	// DriverSQLite runs in WAL mode and is safe to share between processes.
	DriverSQLite Driver = "sqlite3"
	// DriverDuckDB keeps an exclusive file lock; use it for single-process deployments only.
	DriverDuckDB Driver = "duckdb"
)

// Repository persists jobs, results, markers and rebuild leases.
// Writers are serialized in-process by writeGate and across processes by the engine.
type Repository struct {
	db        *sql.DB
	driver    Driver
	logger    *slog.Logger
	writeGate *semaphore.Weighted
}

var (
	_ ports.JobStore    = (*Repository)(nil)
	_ ports.MarkerStore = (*Repository)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		operation     TEXT NOT NULL,
		status        TEXT NOT NULL,
		total         BIGINT NOT NULL,
		processed     BIGINT NOT NULL DEFAULT 0,
		success       BIGINT NOT NULL DEFAULT 0,
		error_count   BIGINT NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at    BIGINT NOT NULL,
		started_at    BIGINT,
		completed_at  BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_completed ON jobs(status, completed_at)`,
	`CREATE TABLE IF NOT EXISTS job_results (
		job_id     TEXT NOT NULL,
		item       TEXT NOT NULL,
		success    BIGINT NOT NULL,
		error      TEXT,
		detail     TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_results_job ON job_results(job_id)`,
	`CREATE TABLE IF NOT EXISTS markers (
		path      TEXT NOT NULL,
		marker    TEXT NOT NULL,
		marked_at BIGINT NOT NULL,
		PRIMARY KEY (path, marker)
	)`,
	`CREATE TABLE IF NOT EXISTS store_meta (
		meta_key   TEXT PRIMARY KEY,
		meta_value BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rebuild_locks (
		name       TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
}

// NewRepository opens (or creates) the store at path. A corrupt SQLite file is
// moved aside and replaced by an empty store; recovering its data is left to an operator.
func NewRepository(logger *slog.Logger, driver Driver, path string) (*Repository, error) {
	repo, err := open(logger, driver, path)
	if err == nil {
		return repo, nil
	}
	if driver != DriverSQLite || !isCorruption(err) {
		return nil, err
	}

	logger.Error("job store is corrupt, starting with an empty store", "path", path, "error", err)
	if err := quarantine(path); err != nil {
		return nil, fmt.Errorf("quarantine corrupt store: %w", err)
	}
	return open(logger, driver, path)
}

func open(logger *slog.Logger, driver Driver, path string) (*Repository, error) {
	db, err := sql.Open(string(driver), dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	repo := &Repository{db: db, driver: driver, logger: logger, writeGate: semaphore.NewWeighted(1)}
	if err := repo.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func dsn(driver Driver, path string) string {
	if driver == DriverSQLite {
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous=NORMAL", path)
	}
	return path
}

func (r *Repository) init(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if r.driver == DriverSQLite {
		var check string
		if err := r.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&check); err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		if check != "ok" {
			return &corruptionError{detail: check}
		}
	}

	for _, stmt := range schema {
		// DuckDB ART indexes reject in-transaction updates of indexed columns.
		if r.driver == DriverDuckDB && strings.HasPrefix(stmt, "CREATE INDEX") {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// write runs fn inside a transaction on the single-writer path. Waiting for
// the path gives up when ctx ends.
func (r *Repository) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := r.writeGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.writeGate.Release(1)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type corruptionError struct {
	detail string
}

func (e *corruptionError) Error() string {
	return "database integrity check failed: " + e.detail
}

func isCorruption(err error) bool {
	var ce *corruptionError
	if errors.As(err, &ce) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB
	}
	msg := err.Error()
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

// quarantine renames the database and its WAL side files out of the way.
func quarantine(path string) error {
	stamp := time.Now().Unix()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := path + suffix
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Rename(src, fmt.Sprintf("%s.corrupt-%d", src, stamp)); err != nil {
			return err
		}
	}
	return nil
}

// inClause renders "?, ?, ?" for n values.
func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
