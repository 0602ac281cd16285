package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vidpipe/internal/config"
	"vidpipe/internal/jobs"
)

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ jobs.Store = (*Store)(nil)

const (
	sqliteBusyCode          = 5
	sqliteConstraintCode    = 19
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func sqliteCode(err error) int {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code() & 0xff
	}
	return 0
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if sqliteCode(err) == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	if sqliteCode(err) == sqliteConstraintCode {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RetryOnBusy runs op, retrying with backoff while SQLite reports lock contention.
func RetryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// OpenSQLite opens a SQLite database with the pragmas every vidpipe store uses.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	// busy_timeout in the DSN applies to every pooled connection.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return db, nil
}

// Open initializes or connects to the configured job database.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return OpenPath(cfg.JobStore.Path)
}

// OpenPath initializes or connects to the job database at path.
func OpenPath(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("job database path is required")
	}
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts a new job record.
func (s *Store) Put(ctx context.Context, job *jobs.Job) error {
	ctx = ensureContext(ctx)
	if err := job.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	stmt := BuildInsert(SQLiteDialect, job)
	err := RetryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
		return execErr
	})
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", jobs.ErrExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	ctx = ensureContext(ctx)
	stmt := BuildGet(SQLiteDialect, id)
	var job *jobs.Job
	err := RetryOnBusy(ctx, func() error {
		var scanErr error
		job, scanErr = scanJob(s.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update applies a conditional partial update.
func (s *Store) Update(ctx context.Context, id string, patch jobs.Patch, cond jobs.Condition) (*jobs.Job, error) {
	ctx = ensureContext(ctx)
	stmt, err := BuildUpdate(SQLiteDialect, id, patch, cond)
	if err != nil {
		return nil, err
	}
	var job *jobs.Job
	err = RetryOnBusy(ctx, func() error {
		var scanErr error
		job, scanErr = scanJob(s.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("%w: job %s is %s", jobs.ErrConditionFailed, id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// List returns jobs matching opts, newest first.
func (s *Store) List(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	ctx = ensureContext(ctx)
	stmt := BuildList(SQLiteDialect, opts)
	var out []*jobs.Job
	err := RetryOnBusy(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*jobs.Job, error) {
	var (
		id           string
		status       string
		owner        sql.NullString
		sourceName   sql.NullString
		inputKey     sql.NullString
		outputKey    sql.NullString
		preset       sql.NullString
		attempts     sql.NullInt64
		workerToken  sql.NullString
		progress     sql.NullFloat64
		errorMessage sql.NullString
		errorDetail  sql.NullString
		createdRaw   sql.NullString
		startedRaw   sql.NullString
		updatedRaw   sql.NullString
		heartbeatRaw sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&status,
		&owner,
		&sourceName,
		&inputKey,
		&outputKey,
		&preset,
		&attempts,
		&workerToken,
		&progress,
		&errorMessage,
		&errorDetail,
		&createdRaw,
		&startedRaw,
		&updatedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	job := &jobs.Job{
		ID:           id,
		Status:       jobs.Status(status),
		Owner:        owner.String,
		SourceName:   sourceName.String,
		InputKey:     inputKey.String,
		OutputKey:    outputKey.String,
		Preset:       preset.String,
		Attempts:     int(attempts.Int64),
		WorkerToken:  workerToken.String,
		Progress:     progress.Float64,
		ErrorMessage: errorMessage.String,
		ErrorDetail:  errorDetail.String,
	}
	if created, err := parseTime(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTime(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTime(startedRaw.String); err == nil {
			job.StartedAt = &started
		}
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTime(heartbeatRaw.String); err == nil {
			job.HeartbeatAt = &heartbeat
		}
	}
	return job, nil
}
