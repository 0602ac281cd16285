package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"vidpipe/internal/backoff"
	"vidpipe/internal/events"
	"vidpipe/internal/executor"
	"vidpipe/internal/handoff"
	"vidpipe/internal/jobs"
	"vidpipe/internal/logging"
	"vidpipe/internal/services"
	"vidpipe/internal/workqueue"
)

var (
	errLeaseLost     = errors.New("queue lease lost")
	errOwnershipLost = errors.New("job claimed by another attempt")
)

type verdict struct {
	status    jobs.Status
	outputKey string
	message   string
	detail    string
}

// Process applies the delivery protocol to one message. The message is
// deleted only once its job is terminal; every other path leaves it for
// redelivery.
func (w *Worker) Process(ctx context.Context, msg workqueue.Message) (outcome Outcome) {
	logger := w.logger.With(
		logging.String("message_id", msg.ID),
		logging.Int("receive_count", msg.ReceiveCount),
	)
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(logger, "job handler panicked", "job_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "report the stack trace; the message is left for redelivery"),
			)
			outcome = OutcomeAbandoned
		}
	}()

	dispatch, err := workqueue.DecodeDispatch(msg.Body)
	if err != nil {
		logging.ErrorWithContext(logger, "discarding undecodable message", "message_poison",
			logging.Error(err),
			logging.Int("body_bytes", len(msg.Body)),
			logging.String(logging.FieldErrorHint, "check the producer writing to this queue"),
		)
		w.ack(ctx, logger, msg)
		return OutcomePoison
	}

	ctx = services.WithJobID(ctx, dispatch.JobID)
	if w.cfg.WorkerID != "" {
		ctx = services.WithWorkerID(ctx, w.cfg.WorkerID)
	}
	logger = logging.WithJob(logger, dispatch.JobID)

	job, err := w.loadJob(ctx, logger, dispatch.JobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		if w.exhausted(msg) {
			logging.ErrorWithContext(logger, "dropping message for missing job", "message_dropped",
				logging.Int("max_receives", w.cfg.MaxReceives),
				logging.String(logging.FieldErrorHint, "the dispatch was sent for a job that was never stored"),
			)
			w.ack(ctx, logger, msg)
			return OutcomeDropped
		}
		logging.WarnWithContext(logger, "job record not found; leaving message for redelivery", "job_missing",
			logging.String(logging.FieldErrorHint, "check that submitters write the record before dispatching"),
			logging.String(logging.FieldImpact, "message is retried until queue.max_receives"),
		)
		return OutcomeMissing
	case err != nil:
		logging.ErrorWithContext(logger, "job lookup failed; leaving message for redelivery", "job_store_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
		)
		return OutcomeAbandoned
	}

	if job.Status.IsTerminal() {
		logger.Info("job already terminal; acknowledging duplicate delivery",
			logging.Args(logging.DecisionAttrs("delivery", "duplicate", string(job.Status))...)...)
		w.ack(ctx, logger, msg)
		return OutcomeDuplicate
	}
	if job.Status == jobs.StatusProcessing && !w.stale(job) {
		logger.Info("job owned by a live attempt; leaving message",
			logging.Args(logging.DecisionAttrs("delivery", "busy", "heartbeat is fresh")...)...)
		return OutcomeBusy
	}

	token := uuid.NewString()
	claimed, err := w.claim(ctx, logger, job.ID, token)
	if err != nil {
		if errors.Is(err, jobs.ErrConditionFailed) {
			if claimed != nil && claimed.Status.IsTerminal() {
				w.ack(ctx, logger, msg)
				return OutcomeDuplicate
			}
			logger.Info("job claimed concurrently; leaving message",
				logging.Args(logging.DecisionAttrs("delivery", "busy", "claim lost race")...)...)
			return OutcomeBusy
		}
		logging.ErrorWithContext(logger, "job claim failed; leaving message for redelivery", "job_claim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
		)
		return OutcomeAbandoned
	}
	ctx = services.WithAttempt(ctx, claimed.Attempts)
	logger = logging.WithAttempt(logger, claimed.Attempts)
	w.publish(ctx, logger, claimed)

	if w.exhausted(msg) {
		message := fmt.Sprintf("exceeded maximum delivery attempts (%d)", w.cfg.MaxReceives)
		logging.WarnWithContext(logger, "dead-lettering job", "job_dead_lettered",
			logging.Int("max_receives", w.cfg.MaxReceives),
			logging.String(logging.FieldErrorHint, "inspect earlier attempts for crashes or lease expiry"),
			logging.String(logging.FieldImpact, "job ends in error without another transcode"),
		)
		return w.finish(ctx, logger, msg, claimed.ID, token,
			verdict{status: jobs.StatusError, message: message}, OutcomeDeadLettered)
	}

	return w.execute(ctx, logger, msg, dispatch, claimed, token)
}

func (w *Worker) execute(ctx context.Context, logger *slog.Logger, msg workqueue.Message, dispatch workqueue.Dispatch, job *jobs.Job, token string) Outcome {
	spec := handoff.Spec{
		JobID:    job.ID,
		InputKey: job.InputKey,
		Preset:   job.Preset,
	}
	if spec.Preset == "" {
		spec.Preset = dispatch.Preset
	}
	if spec.Preset == "" {
		spec.Preset = w.cfg.DefaultPreset
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	spec.Progress = w.progressReporter(runCtx, logger, job.ID, token)

	stop := make(chan struct{})
	var keeper sync.WaitGroup
	keeper.Add(1)
	go func() {
		defer keeper.Done()
		w.keepLease(runCtx, stop, cancel, logger, msg.Token, job.ID, token)
	}()

	logger.Info("transcode job started",
		logging.String(logging.FieldEventType, "job_started"),
		logging.String("input_key", spec.InputKey),
		logging.String("preset", spec.Preset),
	)
	started := time.Now()
	result, runErr := w.cfg.Handoff.Run(runCtx, spec)
	close(stop)
	keeper.Wait()

	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		if errors.Is(cause, errLeaseLost) || errors.Is(cause, errOwnershipLost) {
			logging.WarnWithContext(logger, "job cancelled after losing ownership", "job_ownership_lost",
				logging.Error(cause),
				logging.String(logging.FieldErrorHint, "raise queue.lease_seconds if leases lapse under load"),
				logging.String(logging.FieldImpact, "this attempt commits nothing; another delivery finishes the job"),
			)
		} else {
			logger.Info("job interrupted; leaving message for redelivery",
				logging.String(logging.FieldEventType, "job_interrupted"),
				logging.Duration("elapsed", time.Since(started)),
			)
		}
		return OutcomeAbandoned
	}

	if runErr == nil {
		logger.Info("transcode job succeeded",
			logging.String(logging.FieldEventType, "job_succeeded"),
			logging.String("output_key", result.OutputKey),
			logging.Int64("output_bytes", result.Size),
			logging.Duration("elapsed", time.Since(started)),
		)
		return w.finish(ctx, logger, msg, job.ID, token,
			verdict{status: jobs.StatusDone, outputKey: result.OutputKey}, OutcomeDone)
	}

	if !services.IsJobFailure(runErr) {
		logging.ErrorWithContext(logger, "job aborted without commit", "job_aborted",
			logging.Error(runErr),
			logging.String(logging.FieldErrorHint, services.Hint(runErr)),
		)
		return OutcomeAbandoned
	}
	message, detail := w.describeFailure(runErr)
	logging.WarnWithContext(logger, "transcode job failed", "job_failed",
		logging.Error(runErr),
		logging.String(logging.FieldErrorHint, services.Hint(runErr)),
		logging.String(logging.FieldImpact, "job ends in error"),
	)
	return w.finish(ctx, logger, msg, job.ID, token,
		verdict{status: jobs.StatusError, message: message, detail: detail}, OutcomeFailed)
}

// finish commits the terminal state, publishes it and acknowledges. It runs
// detached from ctx so that a shutdown arriving after the work completed does
// not lose the result.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, msg workqueue.Message, jobID, token string, v verdict, success Outcome) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	now := w.cfg.Now()
	var patch jobs.Patch
	var cond jobs.Condition
	if v.status == jobs.StatusDone {
		patch, cond = jobs.Complete(token, v.outputKey, now)
	} else {
		patch, cond = jobs.Fail(token, v.message, v.detail, now)
	}

	var current *jobs.Job
	err := backoff.Retry(ctx, w.storePolicy(logger, "commit"), func(ctx context.Context) error {
		job, err := w.cfg.Jobs.Update(ctx, jobID, patch, cond)
		current = job
		return err
	})
	if errors.Is(err, jobs.ErrConditionFailed) {
		switch {
		case jobs.SameTerminal(current, v.status):
			logger.Info("job already committed by another attempt",
				logging.Args(logging.DecisionAttrs("commit", "skipped", "job is "+string(current.Status))...)...)
			w.ack(ctx, logger, msg)
			return OutcomeDuplicate
		case current != nil && current.Status.IsTerminal():
			logging.WarnWithContext(logger, "job committed with a different outcome by another attempt", "job_commit_conflict",
				logging.String("status", string(v.status)),
				logging.String("committed_status", string(current.Status)),
				logging.String(logging.FieldImpact, "the first committed outcome is kept"),
			)
			w.ack(ctx, logger, msg)
			return OutcomeDuplicate
		}
		logging.WarnWithContext(logger, "stale commit rejected", "job_commit_rejected",
			logging.String(logging.FieldErrorHint, "another worker reclaimed the job"),
			logging.String(logging.FieldImpact, "this attempt's result is discarded"),
		)
		return OutcomeAbandoned
	}
	if err != nil {
		logging.ErrorWithContext(logger, "terminal commit failed; leaving message for redelivery", "job_commit_failed",
			logging.Error(err),
			logging.String("status", string(v.status)),
			logging.String(logging.FieldErrorHint, "check job store connectivity"),
		)
		return OutcomeAbandoned
	}

	logger.Info("job committed",
		logging.String(logging.FieldEventType, "job_committed"),
		logging.String("status", string(current.Status)),
	)
	w.publish(ctx, logger, current)
	w.ack(ctx, logger, msg)
	return success
}

func (w *Worker) loadJob(ctx context.Context, logger *slog.Logger, id string) (*jobs.Job, error) {
	var job *jobs.Job
	err := backoff.Retry(ctx, w.storePolicy(logger, "load"), func(ctx context.Context) error {
		var err error
		job, err = w.cfg.Jobs.Get(ctx, id)
		return err
	})
	if err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return nil, services.Wrap(services.ErrInfrastructure, "load", "job store", "get job", err)
	}
	return job, err
}

func (w *Worker) claim(ctx context.Context, logger *slog.Logger, id, token string) (*jobs.Job, error) {
	now := w.cfg.Now()
	patch, cond := jobs.Claim(token, now, now.Add(-w.cfg.StaleAfter))
	var job *jobs.Job
	err := backoff.Retry(ctx, w.storePolicy(logger, "claim"), func(ctx context.Context) error {
		var err error
		job, err = w.cfg.Jobs.Update(ctx, id, patch, cond)
		return err
	})
	if err != nil && !errors.Is(err, jobs.ErrConditionFailed) {
		return nil, services.Wrap(services.ErrInfrastructure, "claim", "job store", "update job", err)
	}
	return job, err
}

func (w *Worker) storePolicy(logger *slog.Logger, op string) backoff.Policy {
	return backoff.Policy{
		Attempts: w.cfg.CommitAttempts,
		Strategy: w.cfg.RetryBackoff,
		Retryable: func(err error) bool {
			return !errors.Is(err, jobs.ErrNotFound) &&
				!errors.Is(err, jobs.ErrConditionFailed) &&
				!errors.Is(err, jobs.ErrInvalidTransition)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logging.WarnWithContext(logger, "job store call failed; retrying", "job_store_retry",
				logging.String("operation", op),
				logging.Int("attempt", attempt),
				logging.Duration("retry_in", delay),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check job store connectivity"),
				logging.String(logging.FieldImpact, "job progress is delayed"),
			)
		},
	}
}

// keepLease renews the queue lease and the job heartbeat until stop closes.
// Losing either cancels ctx with a cause naming which.
func (w *Worker) keepLease(ctx context.Context, stop <-chan struct{}, cancel context.CancelCauseFunc, logger *slog.Logger, msgToken, jobID, token string) {
	ticker := time.NewTicker(max(w.cfg.Lease/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.cfg.Queue.Extend(ctx, msgToken, w.cfg.Lease); err != nil {
			if errors.Is(err, workqueue.ErrLeaseLost) {
				cancel(fmt.Errorf("%w: %w", errLeaseLost, err))
				return
			}
			if ctx.Err() != nil {
				return
			}
			logging.WarnWithContext(logger, "lease renewal failed", "lease_extend_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
				logging.String(logging.FieldImpact, "the message may be redelivered if renewal keeps failing"),
			)
		}

		patch, cond := jobs.Heartbeat(token, w.cfg.Now())
		if _, err := w.cfg.Jobs.Update(ctx, jobID, patch, cond); err != nil {
			if errors.Is(err, jobs.ErrConditionFailed) {
				cancel(errOwnershipLost)
				return
			}
			if ctx.Err() != nil {
				return
			}
			logging.WarnWithContext(logger, "heartbeat update failed", "job_heartbeat_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check job store connectivity"),
				logging.String(logging.FieldImpact, "the job may be reclaimed as stale"),
			)
		}
	}
}

func (w *Worker) progressReporter(ctx context.Context, logger *slog.Logger, jobID, token string) func(float64) {
	limiter := rate.NewLimiter(rate.Every(w.cfg.ProgressInterval), 1)
	sampler := logging.NewProgressSampler(25)
	var mu sync.Mutex
	return func(percent float64) {
		mu.Lock()
		shouldLog := sampler.ShouldLog(percent)
		mu.Unlock()
		if shouldLog {
			logger.Info("transcode progress",
				logging.String(logging.FieldEventType, "job_progress"),
				logging.Float64("percent", percent),
			)
		}
		if !limiter.Allow() {
			return
		}
		patch, cond := jobs.ReportProgress(token, percent, w.cfg.Now())
		if _, err := w.cfg.Jobs.Update(ctx, jobID, patch, cond); err != nil && ctx.Err() == nil {
			logger.Debug("progress update skipped", logging.Error(err))
		}
	}
}

func (w *Worker) describeFailure(err error) (string, string) {
	var failure *executor.Failure
	if errors.As(err, &failure) {
		return clip(failure.Error(), maxMessageLength), tailBytes(failure.Diagnostic, w.cfg.DiagnosticLimit)
	}
	return clip(err.Error(), maxMessageLength), ""
}

func (w *Worker) publish(ctx context.Context, logger *slog.Logger, job *jobs.Job) {
	if err := w.cfg.Events.Publish(ctx, events.FromJob(job)); err != nil {
		logging.WarnWithContext(logger, "job event not published", "event_publish_failed",
			logging.Error(err),
			logging.String("status", string(job.Status)),
			logging.String(logging.FieldErrorHint, "check the events backend"),
			logging.String(logging.FieldImpact, "subscribers miss this transition; the job record is unaffected"),
		)
	}
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, msg workqueue.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	err := w.cfg.Queue.Delete(ctx, msg.Token)
	switch {
	case err == nil:
	case errors.Is(err, workqueue.ErrLeaseLost):
		logging.WarnWithContext(logger, "acknowledge after lease expiry", "queue_ack_lease_lost",
			logging.String(logging.FieldErrorHint, "raise queue.lease_seconds"),
			logging.String(logging.FieldImpact, "the message is delivered again and acknowledged without reprocessing"),
		)
	default:
		logging.WarnWithContext(logger, "acknowledge failed", "queue_ack_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
			logging.String(logging.FieldImpact, "the message is delivered again and acknowledged without reprocessing"),
		)
	}
}

func (w *Worker) exhausted(msg workqueue.Message) bool {
	return w.cfg.MaxReceives > 0 && msg.ReceiveCount > w.cfg.MaxReceives
}

func (w *Worker) stale(job *jobs.Job) bool {
	return job.LastActivity().Before(w.cfg.Now().Add(-w.cfg.StaleAfter))
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "")
}

func tailBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[len(s)-limit:], "")
}
