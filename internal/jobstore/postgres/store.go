// Package postgres implements the job store on PostgreSQL using pgx/v5.
//
// Statements are rendered by the shared jobstore builder, so conditional
// updates behave exactly like the SQLite backend.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidpipe/internal/jobs"
	"vidpipe/internal/jobstore"
	"vidpipe/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

var _ jobs.Store = (*Store)(nil)

// Store is a PostgreSQL job store backed by a pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New connects to dsn, applies the schema, and returns a ready store.
func New(ctx context.Context, dsn string, maxConns int, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres job store: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres job store: connect: %w", err)
	}
	store := NewFromPool(pool, opts...)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewFromPool wraps an existing pool without applying the schema.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the schema on first use and verifies its version afterwards.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres job store: create schema: %w", err)
	}
	var version int
	err := s.pool.QueryRow(ctx, "SELECT version FROM vidpipe_schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := s.pool.Exec(ctx, "INSERT INTO vidpipe_schema_version (version) VALUES ($1)", schemaVersion); err != nil {
			return fmt.Errorf("postgres job store: record schema version: %w", err)
		}
		s.logger.Info("created job schema", logging.Int("version", schemaVersion))
	case err != nil:
		return fmt.Errorf("postgres job store: read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d", jobstore.ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Put inserts a new job record.
func (s *Store) Put(ctx context.Context, job *jobs.Job) error {
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
	stmt := jobstore.BuildInsert(jobstore.PostgresDialect, job)
	if _, err := s.pool.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", jobs.ErrExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	stmt := jobstore.BuildGet(jobstore.PostgresDialect, id)
	job, err := scanJob(s.pool.QueryRow(ctx, stmt.SQL, stmt.Args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update applies a conditional partial update.
func (s *Store) Update(ctx context.Context, id string, patch jobs.Patch, cond jobs.Condition) (*jobs.Job, error) {
	stmt, err := jobstore.BuildUpdate(jobstore.PostgresDialect, id, patch, cond)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(s.pool.QueryRow(ctx, stmt.SQL, stmt.Args...))
	if errors.Is(err, pgx.ErrNoRows) {
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
	stmt := jobstore.BuildList(jobstore.PostgresDialect, opts)
	rows, err := s.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		job          jobs.Job
		status       string
		owner        *string
		sourceName   *string
		inputKey     *string
		outputKey    *string
		preset       *string
		workerToken  *string
		errorMessage *string
		errorDetail  *string
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&owner,
		&sourceName,
		&inputKey,
		&outputKey,
		&preset,
		&job.Attempts,
		&workerToken,
		&job.Progress,
		&errorMessage,
		&errorDetail,
		&job.CreatedAt,
		&job.StartedAt,
		&job.UpdatedAt,
		&job.HeartbeatAt,
	); err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	job.Owner = deref(owner)
	job.SourceName = deref(sourceName)
	job.InputKey = deref(inputKey)
	job.OutputKey = deref(outputKey)
	job.Preset = deref(preset)
	job.WorkerToken = deref(workerToken)
	job.ErrorMessage = deref(errorMessage)
	job.ErrorDetail = deref(errorDetail)
	return &job, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
