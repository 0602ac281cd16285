// Package submission creates jobs: it stores the input, writes the created
// record and dispatches the job to the work queue, in that order.
package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"vidpipe/internal/blob"
	"vidpipe/internal/executor"
	"vidpipe/internal/handoff"
	"vidpipe/internal/jobs"
	"vidpipe/internal/logging"
	"vidpipe/internal/services"
	"vidpipe/internal/workqueue"
)

var (
	// ErrNotCreated is returned by Start for jobs that already left created.
	ErrNotCreated = errors.New("job already started")
	// ErrNotDone is returned by OpenOutput for jobs without a committed output.
	ErrNotDone = errors.New("job not done")
	// ErrForbidden is returned when the caller does not own the job.
	ErrForbidden = errors.New("job belongs to another owner")
)

// Config wires a Service.
type Config struct {
	Jobs          jobs.Store
	Blobs         blob.Store
	Queue         workqueue.Queue
	Keys          handoff.KeyPolicy
	DefaultPreset string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Input describes a new job. Reader, when set, is uploaded to the job's input
// key. Otherwise InputKey must name an object that already exists.
type Input struct {
	Owner      string
	SourceName string
	Reader     io.Reader
	Size       int64
	InputKey   string
	Preset     string
}

// Service is the producer side of the pipeline.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Jobs == nil || cfg.Blobs == nil || cfg.Queue == nil {
		return nil, errors.New("submission requires job store, blob store and queue")
	}
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = executor.DefaultPreset
	}
	if _, ok := executor.LookupPreset(cfg.DefaultPreset); !ok {
		return nil, fmt.Errorf("%w: unknown default preset %q", services.ErrConfiguration, cfg.DefaultPreset)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{cfg: cfg, logger: logging.NewComponentLogger(logger, "submission")}, nil
}

// CreateJob stores the input, records a created job and dispatches it. If
// dispatching fails the record stays created and Start can retry it.
func (s *Service) CreateJob(ctx context.Context, in Input) (*jobs.Job, error) {
	job, err := s.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// Register stores the input when one is supplied and records a created job
// without dispatching it.
func (s *Service) Register(ctx context.Context, in Input) (*jobs.Job, error) {
	preset, err := s.resolvePreset(in.Preset)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	source := strings.TrimSpace(in.SourceName)
	key := strings.TrimSpace(in.InputKey)
	if key == "" {
		key = s.cfg.Keys.InputKey(id, source)
	}
	if err := blob.ValidateKey(key); err != nil {
		return nil, services.Wrap(services.ErrValidation, "submit", "input key", key, err)
	}
	if source == "" {
		source = key[strings.LastIndex(key, "/")+1:]
	}
	logger := logging.WithContext(services.WithJobID(ctx, id), s.logger)

	if in.Reader != nil {
		if err := s.cfg.Blobs.Put(ctx, key, in.Reader, in.Size); err != nil {
			return nil, services.Wrap(services.ErrStorage, "submit", "upload input", key, err)
		}
		logger.Info("input uploaded",
			logging.String(logging.FieldEventType, "input_uploaded"),
			logging.String("input_key", key),
			logging.Int64("bytes", in.Size),
		)
	} else if in.InputKey != "" {
		if err := s.verifyInput(ctx, key); err != nil {
			return nil, err
		}
	}

	job := &jobs.Job{
		ID:         id,
		Status:     jobs.StatusCreated,
		Owner:      strings.TrimSpace(in.Owner),
		SourceName: source,
		InputKey:   key,
		Preset:     preset,
		CreatedAt:  s.cfg.Now().UTC(),
	}
	if err := s.cfg.Jobs.Put(ctx, job); err != nil {
		return nil, services.Wrap(services.ErrInfrastructure, "submit", "record job", id, err)
	}
	logger.Info("job registered",
		logging.String(logging.FieldEventType, "job_registered"),
		logging.String("preset", preset),
		logging.String("owner", job.Owner),
	)
	return job, nil
}

// Start verifies a registered job's upload, fixes its preset and dispatches
// it. Jobs that already left created are refused with ErrNotCreated.
func (s *Service) Start(ctx context.Context, jobID, preset string) (*jobs.Job, error) {
	job, err := s.cfg.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusCreated {
		return job, fmt.Errorf("%w: %s is %s", ErrNotCreated, jobID, job.Status)
	}
	if strings.TrimSpace(preset) != "" {
		if preset, err = s.resolvePreset(preset); err != nil {
			return nil, err
		}
	}
	if err := s.verifyInput(ctx, job.InputKey); err != nil {
		return nil, err
	}
	if preset != "" && preset != job.Preset {
		patch, cond := jobs.Prepare("", preset, s.cfg.Now())
		updated, err := s.cfg.Jobs.Update(ctx, jobID, patch, cond)
		if errors.Is(err, jobs.ErrConditionFailed) {
			return updated, fmt.Errorf("%w: %s is %s", ErrNotCreated, jobID, updated.Status)
		}
		if err != nil {
			return nil, services.Wrap(services.ErrInfrastructure, "start", "update preset", jobID, err)
		}
		job = updated
	}
	if err := s.dispatch(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// Get returns the job record. A non-empty owner must match the record's.
func (s *Service) Get(ctx context.Context, jobID, owner string) (*jobs.Job, error) {
	job, err := s.cfg.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if owner != "" && job.Owner != owner {
		return nil, ErrForbidden
	}
	return job, nil
}

// List returns recent jobs.
func (s *Service) List(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	return s.cfg.Jobs.List(ctx, opts)
}

// OpenOutput opens the transcoded output of a done job.
func (s *Service) OpenOutput(ctx context.Context, jobID, owner string) (io.ReadCloser, *jobs.Job, error) {
	job, err := s.Get(ctx, jobID, owner)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != jobs.StatusDone {
		return nil, job, fmt.Errorf("%w: status=%s", ErrNotDone, job.Status)
	}
	rc, err := s.cfg.Blobs.Get(ctx, job.OutputKey)
	if err != nil {
		return nil, job, services.Wrap(services.ErrStorage, "download", "open output", job.OutputKey, err)
	}
	return rc, job, nil
}

func (s *Service) dispatch(ctx context.Context, job *jobs.Job) error {
	d := workqueue.Dispatch{JobID: job.ID, InputKey: job.InputKey, Preset: job.Preset}
	if err := s.cfg.Queue.Send(ctx, d); err != nil {
		return services.Wrap(services.ErrInfrastructure, "submit", "dispatch", job.ID, err)
	}
	logging.WithContext(services.WithJobID(ctx, job.ID), s.logger).Info("job dispatched",
		logging.String(logging.FieldEventType, "job_dispatched"),
		logging.String("input_key", job.InputKey),
		logging.String("preset", job.Preset),
	)
	return nil
}

func (s *Service) verifyInput(ctx context.Context, key string) error {
	info, err := s.cfg.Blobs.Stat(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return services.Wrap(services.ErrNotFound, "submit", "verify input", key, err)
	}
	if err != nil {
		return services.Wrap(services.ErrStorage, "submit", "verify input", key, err)
	}
	if info.Size == 0 {
		return services.Wrap(services.ErrValidation, "submit", "verify input", key+" is empty", nil)
	}
	return nil
}

func (s *Service) resolvePreset(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.cfg.DefaultPreset, nil
	}
	preset, ok := executor.LookupPreset(name)
	if !ok {
		fallback := executor.ResolvePreset(name, s.cfg.DefaultPreset)
		logging.WarnWithContext(s.logger, "unknown preset; using default", "preset_fallback",
			logging.String("requested_preset", name),
			logging.String("preset", fallback.Name),
			logging.String(logging.FieldErrorHint, "choose one of "+strings.Join(executor.PresetNames(), ", ")),
			logging.String(logging.FieldImpact, "job renders at the default resolution"),
		)
		return fallback.Name, nil
	}
	return preset.Name, nil
}
