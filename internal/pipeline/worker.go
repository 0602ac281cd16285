package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"vidpipe/internal/backoff"
	"vidpipe/internal/events"
	"vidpipe/internal/executor"
	"vidpipe/internal/handoff"
	"vidpipe/internal/jobs"
	"vidpipe/internal/logging"
	"vidpipe/internal/workqueue"
)

const (
	defaultConcurrency    = 1
	defaultCommitAttempts = 5
	defaultMaxMessages    = 1
	defaultLease          = 5 * time.Minute
	defaultStaleAfter     = 10 * time.Minute
	defaultShutdownGrace  = 30 * time.Second
	defaultProgressEvery  = 5 * time.Second
	finalizeTimeout       = 30 * time.Second
	idlePause             = 100 * time.Millisecond
	maxMessageLength      = 512
)

// Runner performs the download, transcode and upload of one job.
type Runner interface {
	Run(ctx context.Context, spec handoff.Spec) (handoff.Outcome, error)
}

// Config wires a Worker to its collaborators. Zero durations and counts take
// defaults; MaxReceives zero disables dead-lettering.
type Config struct {
	Jobs    jobs.Store
	Queue   workqueue.Queue
	Handoff Runner
	Events  events.Publisher
	Logger  *slog.Logger

	WorkerID         string
	Concurrency      int
	MaxMessages      int
	Wait             time.Duration
	Lease            time.Duration
	MaxReceives      int
	StaleAfter       time.Duration
	ShutdownGrace    time.Duration
	ProgressInterval time.Duration
	CommitAttempts   int
	RetryBackoff     backoff.Strategy
	DiagnosticLimit  int
	DefaultPreset    string

	// Now overrides the clock used for job timestamps.
	Now func() time.Time
}

// Worker consumes dispatch messages and drives jobs to a terminal state.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	stats  counters
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Worker, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("pipeline: job store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("pipeline: queue is required")
	}
	if cfg.Handoff == nil {
		return nil, errors.New("pipeline: handoff runner is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = max(defaultMaxMessages, cfg.Concurrency)
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.Wait < 0 {
		cfg.Wait = 0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressEvery
	}
	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = defaultCommitAttempts
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = backoff.Jittered{Initial: 200 * time.Millisecond, Max: 5 * time.Second}
	}
	if cfg.DiagnosticLimit <= 0 {
		cfg.DiagnosticLimit = executor.DefaultDiagnosticLimit
	}
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = executor.DefaultPreset
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "worker")
	if cfg.WorkerID != "" {
		logger = logger.With(logging.String(logging.FieldWorkerID, cfg.WorkerID))
	}
	return &Worker{cfg: cfg, logger: logger}, nil
}

// Stats returns outcome counters since New.
func (w *Worker) Stats() Stats {
	return w.stats.snapshot()
}

// Run receives and processes messages until ctx ends. In-flight jobs get the
// shutdown grace period to finish before their contexts are cancelled.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(w.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			w.logger.Warn("shutdown grace elapsed; cancelling in-flight jobs",
				logging.String(logging.FieldEventType, "worker_grace_elapsed"),
				logging.String(logging.FieldErrorHint, "raise worker.shutdown_grace_seconds if jobs are routinely cut off"),
				logging.String(logging.FieldImpact, "cancelled jobs are redelivered after their lease expires"),
			)
			cancelJobs()
		}
	}()

	w.logger.Info("worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.Int("concurrency", w.cfg.Concurrency),
		logging.Duration("lease", w.cfg.Lease),
	)
	failures := 0
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := w.runBatch(ctx, jobCtx)
		if err == nil && n == 0 && w.cfg.Wait == 0 {
			// Backends return immediately without a wait; avoid spinning.
			if backoff.Sleep(ctx, idlePause) != nil {
				break
			}
			continue
		}
		if err != nil {
			if errors.Is(err, workqueue.ErrClosed) {
				w.logger.Info("queue closed; worker stopping", logging.String(logging.FieldEventType, "worker_queue_closed"))
				return nil
			}
			if ctx.Err() != nil {
				break
			}
			failures++
			delay := w.cfg.RetryBackoff.Delay(failures)
			logging.WarnWithContext(w.logger, "queue receive failed", "queue_receive_failed",
				logging.Error(err),
				logging.Int("consecutive_failures", failures),
				logging.Duration("retry_in", delay),
				logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
				logging.String(logging.FieldImpact, "no new jobs start until the queue recovers"),
			)
			if backoff.Sleep(ctx, delay) != nil {
				break
			}
			continue
		}
		failures = 0
	}
	w.logger.Info("worker stopped",
		logging.String(logging.FieldEventType, "worker_stopped"),
		logging.Int64("processed", w.stats.received.Load()),
	)
	return nil
}

// RunOnce performs a single receive and processes what it returned. It
// returns the number of messages handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.runBatch(ctx, ctx)
}

// runBatch receives with recvCtx and processes with jobCtx so that shutdown
// stops receiving without interrupting jobs already started.
func (w *Worker) runBatch(recvCtx, jobCtx context.Context) (int, error) {
	msgs, err := w.cfg.Queue.Receive(recvCtx, workqueue.ReceiveOptions{
		MaxMessages: w.cfg.MaxMessages,
		Wait:        w.cfg.Wait,
		Lease:       w.cfg.Lease,
	})
	if err != nil {
		if recvCtx.Err() != nil && errors.Is(err, recvCtx.Err()) {
			return 0, nil
		}
		return 0, fmt.Errorf("receive: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	var group errgroup.Group
	group.SetLimit(w.cfg.Concurrency)
	for _, msg := range msgs {
		group.Go(func() error {
			outcome := w.Process(jobCtx, msg)
			w.stats.record(outcome)
			w.logger.Debug("delivery handled",
				logging.String("message_id", msg.ID),
				logging.String("outcome", string(outcome)),
				logging.Bool("acknowledged", outcome.Acknowledged()),
			)
			return nil
		})
	}
	_ = group.Wait()
	return len(msgs), nil
}
