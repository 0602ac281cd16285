// Package bootstrap opens the backends named in configuration and assembles
// the submission service and the worker from them. Every client is created
// here and passed down explicitly.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vidpipe/internal/backoff"
	"vidpipe/internal/blob"
	blobs3 "vidpipe/internal/blob/s3"
	"vidpipe/internal/config"
	"vidpipe/internal/events"
	"vidpipe/internal/executor"
	"vidpipe/internal/handoff"
	"vidpipe/internal/jobs"
	"vidpipe/internal/jobstore"
	"vidpipe/internal/jobstore/postgres"
	"vidpipe/internal/logging"
	"vidpipe/internal/pipeline"
	"vidpipe/internal/preflight"
	"vidpipe/internal/scratch"
	"vidpipe/internal/services"
	"vidpipe/internal/submission"
	"vidpipe/internal/workqueue"
	queueredis "vidpipe/internal/workqueue/redis"
	queuesqlite "vidpipe/internal/workqueue/sqlite"
)

// Backends holds the clients one process uses.
type Backends struct {
	Config *config.Config
	Logger *slog.Logger
	Jobs   jobs.Store
	Blobs  blob.Store
	Queue  workqueue.Queue
	Events events.Publisher

	closers []func() error
}

// Open connects every configured backend. On failure the ones already opened
// are closed again.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "bootstrap", "directories", "", err)
	}
	b := &Backends{Config: cfg, Logger: logger}

	store, err := OpenJobStore(ctx, cfg, logger)
	if err != nil {
		return nil, b.fail(err)
	}
	b.Jobs = store
	b.closers = append(b.closers, store.Close)

	blobs, err := OpenBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, b.fail(err)
	}
	b.Blobs = blobs

	queue, err := OpenQueue(ctx, cfg)
	if err != nil {
		return nil, b.fail(err)
	}
	b.Queue = queue
	b.closers = append(b.closers, queue.Close)

	publisher, err := events.New(cfg.Events, logger)
	if err != nil {
		return nil, b.fail(services.Wrap(services.ErrConfiguration, "bootstrap", "events", cfg.Events.Backend, err))
	}
	b.Events = publisher
	b.closers = append(b.closers, publisher.Close)

	logger.Debug("backends opened",
		logging.String(logging.FieldEventType, "backends_opened"),
		logging.String("job_store", cfg.JobStore.Backend),
		logging.String("blob_store", cfg.BlobStore.Backend),
		logging.String("queue", cfg.Queue.Backend),
		logging.String("events", cfg.Events.Backend),
	)
	return b, nil
}

func (b *Backends) fail(err error) error {
	if closeErr := b.Close(); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

// Close releases the backends in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenJobStore opens the configured job store.
func OpenJobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (jobs.Store, error) {
	switch cfg.JobStore.Backend {
	case config.JobBackendPostgres:
		store, err := postgres.New(ctx, cfg.JobStore.DSN, cfg.JobStore.MaxConns, postgres.WithLogger(logger))
		if err != nil {
			return nil, services.Wrap(services.ErrInfrastructure, "bootstrap", "job store", "postgres", err)
		}
		return store, nil
	case config.JobBackendSQLite, "":
		store, err := jobstore.Open(cfg)
		if err != nil {
			return nil, services.Wrap(services.ErrInfrastructure, "bootstrap", "job store", "sqlite", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown job store backend %q", services.ErrConfiguration, cfg.JobStore.Backend)
	}
}

// OpenBlobStore opens the configured blob store.
func OpenBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	switch cfg.BlobStore.Backend {
	case config.BlobBackendS3:
		store, err := blobs3.New(ctx, cfg.BlobStore, blobs3.WithLogger(logger))
		if err != nil {
			return nil, services.Wrap(services.ErrInfrastructure, "bootstrap", "blob store", "s3", err)
		}
		return store, nil
	case config.BlobBackendFilesystem, "":
		store, err := blob.NewFS(cfg.BlobStore.Root)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "bootstrap", "blob store", "filesystem", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown blob store backend %q", services.ErrConfiguration, cfg.BlobStore.Backend)
	}
}

// OpenQueue opens the configured work queue.
func OpenQueue(ctx context.Context, cfg *config.Config) (workqueue.Queue, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		return workqueue.NewMemory(), nil
	case config.QueueBackendRedis:
		queue, err := queueredis.Open(ctx, cfg.Queue)
		if err != nil {
			return nil, services.Wrap(services.ErrInfrastructure, "bootstrap", "queue", "redis", err)
		}
		return queue, nil
	case config.QueueBackendSQLite, "":
		queue, err := queuesqlite.Open(cfg.Queue.Path, cfg.Queue.Name, cfg.QueuePollInterval())
		if err != nil {
			return nil, services.Wrap(services.ErrInfrastructure, "bootstrap", "queue", "sqlite", err)
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("%w: unknown queue backend %q", services.ErrConfiguration, cfg.Queue.Backend)
	}
}

// Submission builds the producer-side service.
func (b *Backends) Submission() (*submission.Service, error) {
	return submission.New(submission.Config{
		Jobs:          b.Jobs,
		Blobs:         b.Blobs,
		Queue:         b.Queue,
		DefaultPreset: b.Config.Executor.DefaultPreset,
		Logger:        b.Logger,
	})
}

// Runtime is everything a worker process runs.
type Runtime struct {
	Worker   *pipeline.Worker
	Executor *executor.FFmpeg
	Scratch  *scratch.Manager
}

// NewExecutor builds the ffmpeg executor from configuration.
func NewExecutor(cfg *config.Config, logger *slog.Logger) (*executor.FFmpeg, error) {
	return executor.New(
		executor.WithBinaries(cfg.Executor.FFmpegBinary, cfg.Executor.FFprobeBinary),
		executor.WithDefaultPreset(cfg.Executor.DefaultPreset),
		executor.WithDiagnosticLimit(cfg.Executor.DiagnosticLimit),
		executor.WithTimeout(cfg.ExecutorTimeout()),
		executor.WithLogger(logger),
	)
}

// Worker assembles the executor, scratch manager, hand-off and worker. exec
// overrides the ffmpeg executor when non-nil.
func (b *Backends) Worker(exec executor.Executor) (*Runtime, error) {
	cfg := b.Config
	rt := &Runtime{}
	if exec == nil {
		ffmpeg, err := NewExecutor(cfg, b.Logger)
		if err != nil {
			return nil, err
		}
		rt.Executor = ffmpeg
		exec = ffmpeg
	}
	mgr, err := scratch.NewManager(cfg.Paths.ScratchDir, b.Logger)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "bootstrap", "scratch", cfg.Paths.ScratchDir, err)
	}
	rt.Scratch = mgr

	retry := backoff.Jittered{Initial: cfg.RetryInitial(), Max: cfg.RetryMax()}
	h, err := handoff.New(handoff.Config{
		Blobs:            b.Blobs,
		Executor:         exec,
		Scratch:          mgr,
		TransferAttempts: cfg.Worker.TransferAttempts,
		TransferBackoff:  retry,
		Logger:           b.Logger,
	})
	if err != nil {
		return nil, err
	}
	rt.Worker, err = pipeline.New(pipeline.Config{
		Jobs:             b.Jobs,
		Queue:            b.Queue,
		Handoff:          h,
		Events:           b.Events,
		Logger:           b.Logger,
		WorkerID:         cfg.Worker.ID,
		Concurrency:      cfg.Worker.Concurrency,
		MaxMessages:      cfg.Queue.MaxMessages,
		Wait:             cfg.QueueWait(),
		Lease:            cfg.QueueLease(),
		MaxReceives:      cfg.Queue.MaxReceives,
		StaleAfter:       cfg.StaleAfter(),
		ShutdownGrace:    cfg.ShutdownGrace(),
		ProgressInterval: cfg.ProgressInterval(),
		RetryBackoff:     retry,
		DiagnosticLimit:  cfg.Executor.DiagnosticLimit,
		DefaultPreset:    cfg.Executor.DefaultPreset,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Probes returns connectivity checks for the opened backends.
func (b *Backends) Probes() []preflight.Probe {
	return []preflight.Probe{
		{Name: "Job store", Check: func(ctx context.Context) error {
			_, err := b.Jobs.List(ctx, jobs.ListOptions{Limit: 1})
			return err
		}},
		{Name: "Blob store", Check: func(ctx context.Context) error {
			_, err := b.Blobs.Stat(ctx, "vidpipe-preflight")
			if errors.Is(err, blob.ErrNotFound) {
				return nil
			}
			return err
		}},
	}
}
