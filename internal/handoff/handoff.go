// Package handoff moves one job's bytes between the blob store and the
// executor: download the input into a private workspace, transcode, upload
// the output to its job-scoped key and confirm it landed.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"vidpipe/internal/backoff"
	"vidpipe/internal/blob"
	"vidpipe/internal/executor"
	"vidpipe/internal/logging"
	"vidpipe/internal/scratch"
	"vidpipe/internal/services"
)

// Config wires a Handoff.
type Config struct {
	Blobs    blob.Store
	Executor executor.Executor
	Scratch  *scratch.Manager
	Keys     KeyPolicy
	// TransferAttempts bounds download and upload tries.
	TransferAttempts int
	// TransferBackoff spaces transfer retries.
	TransferBackoff backoff.Strategy
	Logger          *slog.Logger
}

// Spec is one unit of work.
type Spec struct {
	JobID    string
	InputKey string
	Preset   string
	Progress func(percent float64)
}

// Outcome describes a completed hand-off.
type Outcome struct {
	OutputKey string
	Size      int64
	Preset    string
	Transcode executor.Result
}

// Handoff runs the download, transcode, upload sequence.
type Handoff struct {
	cfg Config
}

// New validates cfg and returns a Handoff.
func New(cfg Config) (*Handoff, error) {
	if cfg.Blobs == nil || cfg.Executor == nil || cfg.Scratch == nil {
		return nil, errors.New("handoff requires blob store, executor and scratch manager")
	}
	if cfg.TransferAttempts <= 0 {
		cfg.TransferAttempts = 3
	}
	if cfg.TransferBackoff == nil {
		cfg.TransferBackoff = backoff.Jittered{Initial: 500 * time.Millisecond, Max: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Handoff{cfg: cfg}, nil
}

// Keys returns the key policy in use.
func (h *Handoff) Keys() KeyPolicy {
	return h.cfg.Keys
}

// Run performs the hand-off. Returned errors carry services markers: job
// problems (missing input, executor failure, storage failure after retries)
// satisfy services.IsJobFailure; cancellation and local resource problems do
// not.
func (h *Handoff) Run(ctx context.Context, spec Spec) (Outcome, error) {
	logger := logging.WithContext(ctx, h.cfg.Logger)
	if strings.TrimSpace(spec.InputKey) == "" {
		return Outcome{}, services.Wrap(services.ErrValidation, "download", "input", "job has no input key", nil)
	}

	ws, err := h.cfg.Scratch.Acquire(spec.JobID)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrTransient, "scratch", "acquire", "", err)
	}
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Warn("failed to release scratch workspace",
				logging.String("path", ws.Dir),
				logging.Error(err),
				logging.String(logging.FieldEventType, "scratch_release_failed"),
				logging.String(logging.FieldImpact, "workspace left for the startup sweep"),
			)
		}
	}()

	localInput := ws.Path("input" + strings.ToLower(path.Ext(spec.InputKey)))
	size, err := h.download(ctx, logger, spec.InputKey, localInput)
	if err != nil {
		return Outcome{}, err
	}
	logger.Info("input downloaded",
		logging.String("input_key", spec.InputKey),
		logging.Int64("bytes", size),
		logging.String(logging.FieldEventType, "input_downloaded"),
	)

	localOutput := ws.Path("output.mp4")
	result, err := h.cfg.Executor.Transcode(ctx, executor.Request{
		InputPath:  localInput,
		OutputPath: localOutput,
		Preset:     spec.Preset,
		Progress:   spec.Progress,
	})
	if err != nil {
		return Outcome{}, err
	}
	logger.Info("transcode finished",
		logging.String("preset", result.Preset),
		logging.Int64("bytes", result.Size),
		logging.Duration("elapsed", result.Elapsed),
		logging.String(logging.FieldEventType, "transcode_finished"),
	)

	outputKey := h.cfg.Keys.OutputKey(spec.JobID, result.Preset)
	if err := h.upload(ctx, logger, localOutput, outputKey, result.Size); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		OutputKey: outputKey,
		Size:      result.Size,
		Preset:    result.Preset,
		Transcode: result,
	}, nil
}

func (h *Handoff) policy(logger *slog.Logger, op, key string) backoff.Policy {
	return backoff.Policy{
		Attempts:  h.cfg.TransferAttempts,
		Strategy:  h.cfg.TransferBackoff,
		Retryable: func(err error) bool { return !errors.Is(err, blob.ErrInvalidKey) },
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn(op+" failed, retrying",
				logging.String("key", key),
				logging.Int("attempt", attempt),
				logging.Duration("delay", delay),
				logging.Error(err),
				logging.String(logging.FieldEventType, op+"_retry"),
			)
		},
	}
}

func (h *Handoff) download(ctx context.Context, logger *slog.Logger, key, dst string) (int64, error) {
	var size int64
	err := backoff.Retry(ctx, h.policy(logger, "download", key), func(ctx context.Context) error {
		var dlErr error
		size, dlErr = blob.Download(ctx, h.cfg.Blobs, key, dst)
		return dlErr
	})
	if err == nil {
		return size, nil
	}
	switch {
	case ctx.Err() != nil:
		return 0, fmt.Errorf("download interrupted: %w", ctx.Err())
	case errors.Is(err, blob.ErrInvalidKey):
		return 0, services.Wrap(services.ErrValidation, "download", key, "invalid input key", err)
	case errors.Is(err, blob.ErrNotFound):
		return 0, services.Wrap(services.ErrNotFound, "download", key,
			fmt.Sprintf("input not found after %d attempts", h.cfg.TransferAttempts), err)
	default:
		return 0, services.Wrap(services.ErrStorage, "download", key,
			fmt.Sprintf("failed after %d attempts", h.cfg.TransferAttempts), err)
	}
}

func (h *Handoff) upload(ctx context.Context, logger *slog.Logger, src, key string, size int64) error {
	err := backoff.Retry(ctx, h.policy(logger, "upload", key), func(ctx context.Context) error {
		if _, err := blob.Upload(ctx, h.cfg.Blobs, src, key); err != nil {
			return err
		}
		info, err := h.cfg.Blobs.Stat(ctx, key)
		if err != nil {
			return fmt.Errorf("verify upload: %w", err)
		}
		if info.Size != size {
			return fmt.Errorf("verify upload: stored %d bytes, expected %d", info.Size, size)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("upload interrupted: %w", ctx.Err())
	}
	return services.Wrap(services.ErrStorage, "upload", key,
		fmt.Sprintf("failed after %d attempts", h.cfg.TransferAttempts), err)
}
