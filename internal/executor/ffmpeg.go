package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"vidpipe/internal/fileutil"
	"vidpipe/internal/logging"
	"vidpipe/internal/services"
)

var commandContext = exec.CommandContext

// waitDelay bounds how long Wait blocks on pipes after the process is killed.
const waitDelay = 5 * time.Second

// Request describes one transcode.
type Request struct {
	InputPath  string
	OutputPath string
	Preset     string
	// Progress, when set, receives percent complete (0-100).
	Progress func(percent float64)
}

// Result describes a successful transcode.
type Result struct {
	OutputPath string
	Preset     string
	Size       int64
	// SourceDuration is the probed input length, zero when ffprobe failed.
	SourceDuration time.Duration
	Elapsed        time.Duration
}

// Executor transcodes local files.
type Executor interface {
	Transcode(ctx context.Context, req Request) (Result, error)
}

// Option configures FFmpeg.
type Option func(*FFmpeg)

// WithBinaries overrides the ffmpeg and ffprobe binaries. Empty values keep
// the defaults.
func WithBinaries(ffmpeg, ffprobe string) Option {
	return func(f *FFmpeg) {
		if ffmpeg = strings.TrimSpace(ffmpeg); ffmpeg != "" {
			f.ffmpeg = ffmpeg
		}
		if ffprobe = strings.TrimSpace(ffprobe); ffprobe != "" {
			f.ffprobe = ffprobe
		}
	}
}

// WithDefaultPreset sets the preset used for unknown names.
func WithDefaultPreset(name string) Option {
	return func(f *FFmpeg) {
		if name != "" {
			f.defaultPreset = name
		}
	}
}

// WithDiagnosticLimit bounds captured stderr in bytes.
func WithDiagnosticLimit(limit int) Option {
	return func(f *FFmpeg) {
		if limit > 0 {
			f.diagnosticLimit = limit
		}
	}
}

// WithTimeout caps a single transcode. Zero means no cap.
func WithTimeout(timeout time.Duration) Option {
	return func(f *FFmpeg) {
		f.timeout = timeout
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FFmpeg) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// FFmpeg runs ffmpeg with the preset table.
type FFmpeg struct {
	ffmpeg          string
	ffprobe         string
	defaultPreset   string
	diagnosticLimit int
	timeout         time.Duration
	logger          *slog.Logger
}

var _ Executor = (*FFmpeg)(nil)

// New constructs an FFmpeg executor.
func New(opts ...Option) (*FFmpeg, error) {
	f := &FFmpeg{
		ffmpeg:          "ffmpeg",
		ffprobe:         "ffprobe",
		defaultPreset:   DefaultPreset,
		diagnosticLimit: DefaultDiagnosticLimit,
		logger:          logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if _, ok := LookupPreset(f.defaultPreset); !ok {
		return nil, services.Wrap(services.ErrConfiguration, "executor", "default preset",
			fmt.Sprintf("unknown preset %q (want one of %s)", f.defaultPreset, strings.Join(PresetNames(), ", ")), nil)
	}
	return f, nil
}

// Check verifies the ffmpeg binary can be started.
func (f *FFmpeg) Check(ctx context.Context) error {
	cmd := commandContext(ctx, f.ffmpeg, "-hide_banner", "-version") //nolint:gosec
	if err := cmd.Run(); err != nil {
		return startError(f.ffmpeg, err)
	}
	return nil
}

// Transcode runs ffmpeg for req.
func (f *FFmpeg) Transcode(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "transcode", "request", "input path required", nil)
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "transcode", "request", "output path required", nil)
	}
	preset := ResolvePreset(req.Preset, f.defaultPreset)
	if req.Preset != "" && !strings.EqualFold(req.Preset, preset.Name) {
		f.logger.Warn("unknown preset, using fallback",
			logging.String("requested", req.Preset),
			logging.String("preset", preset.Name),
			logging.String(logging.FieldEventType, "preset_fallback"),
		)
	}

	runCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	duration := f.probeDuration(runCtx, req.InputPath)
	start := time.Now()

	cmd := commandContext(runCtx, f.ffmpeg, preset.Args(req.InputPath, req.OutputPath)...) //nolint:gosec
	isolateProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	diagnostic := newTailBuffer(f.diagnosticLimit)
	cmd.Stderr = diagnostic
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, startError(f.ffmpeg, err)
	}

	readProgress(stdout, duration, req.Progress)
	waitErr := cmd.Wait()

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if ctx.Err() == nil && errors.Is(ctxErr, context.DeadlineExceeded) {
			return Result{}, &Failure{
				ExitCode:   -1,
				Reason:     fmt.Sprintf("ffmpeg exceeded timeout of %s", f.timeout),
				Diagnostic: diagnostic.String(),
				TimedOut:   true,
			}
		}
		return Result{}, fmt.Errorf("transcode interrupted: %w", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Result{}, &Failure{
				ExitCode:   exitErr.ExitCode(),
				Reason:     fmt.Sprintf("ffmpeg exited with code %d", exitErr.ExitCode()),
				Diagnostic: diagnostic.String(),
			}
		}
		return Result{}, services.Wrap(services.ErrExternalTool, "transcode", "wait ffmpeg", "", waitErr)
	}

	size, err := fileutil.NonEmptyFile(req.OutputPath)
	if err != nil {
		return Result{}, &Failure{
			Reason:     "ffmpeg produced no usable output",
			Diagnostic: diagnostic.String(),
		}
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return Result{
		OutputPath:     req.OutputPath,
		Preset:         preset.Name,
		Size:           size,
		SourceDuration: duration,
		Elapsed:        time.Since(start),
	}, nil
}

func startError(binary string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return services.Wrap(services.ErrConfiguration, "transcode", "start "+binary, "binary not available", err)
	}
	return services.Wrap(services.ErrExternalTool, "transcode", "start "+binary, "", err)
}

// probeDuration asks ffprobe for the container duration. Failures only cost
// percentage progress, so they are logged and ignored.
func (f *FFmpeg) probeDuration(ctx context.Context, input string) time.Duration {
	cmd := commandContext(ctx, f.ffprobe, //nolint:gosec
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		f.logger.Debug("ffprobe failed", logging.Error(err))
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || seconds <= 0 {
		f.logger.Debug("ffprobe returned no duration", logging.String("output", strings.TrimSpace(string(out))))
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// readProgress consumes ffmpeg -progress output until EOF. Completion is
// reported by the caller once the output has been verified.
func readProgress(r io.Reader, duration time.Duration, report func(float64)) {
	scanner := bufio.NewScanner(r)
	sawMicros := false
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || report == nil || duration <= 0 {
			continue
		}
		// Both keys carry microseconds; older builds only emit out_time_ms.
		switch {
		case key == "out_time_us":
			sawMicros = true
		case key == "out_time_ms" && !sawMicros:
		default:
			continue
		}
		micros, err := strconv.ParseInt(value, 10, 64)
		if err != nil || micros < 0 {
			continue
		}
		report(percentOf(time.Duration(micros)*time.Microsecond, duration))
	}
	_, _ = io.Copy(io.Discard, r)
}

func percentOf(elapsed, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(elapsed) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
