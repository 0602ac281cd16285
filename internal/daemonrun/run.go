package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vidpipe/internal/bootstrap"
	"vidpipe/internal/config"
	"vidpipe/internal/logging"
	"vidpipe/internal/preflight"
	"vidpipe/internal/services"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the worker daemon and blocks until SIGINT, SIGTERM or cmdCtx
// ends. In-flight jobs get the configured shutdown grace before they are
// cancelled.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("vidpiped-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update vidpiped.log link: %v\n", err)
	}
	pidPath := filepath.Join(cfg.Paths.LogDir, "vidpiped.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	backends, err := bootstrap.Open(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open backends", logging.Error(err), logging.String(logging.FieldErrorHint, services.Hint(err)))
		return err
	}
	defer backends.Close()

	rt, err := backends.Worker(nil)
	if err != nil {
		return fmt.Errorf("assemble worker: %w", err)
	}

	results := preflight.RunAll(signalCtx, cfg, backends.Probes()...)
	logDependencySnapshot(logger, results)
	if failed := preflight.Failed(results); len(failed) > 0 {
		return fmt.Errorf("%w: preflight check %q failed: %s", services.ErrConfiguration, failed[0].Name, failed[0].Detail)
	}
	if err := rt.Executor.Check(signalCtx); err != nil {
		return err
	}

	sweep := rt.Scratch.Sweep(signalCtx, cfg.ScratchMaxAge())
	if len(sweep.Removed) > 0 || len(sweep.Errors) > 0 {
		logger.Info("scratch sweep finished",
			logging.String(logging.FieldEventType, "scratch_sweep"),
			logging.Int("removed", len(sweep.Removed)),
			logging.Int("skipped", len(sweep.Skipped)),
			logging.Int("errors", len(sweep.Errors)),
		)
	}

	logger.Info("vidpiped starting",
		logging.String(logging.FieldEventType, "daemon_starting"),
		logging.String(logging.FieldWorkerID, cfg.Worker.ID),
		logging.String("log_path", logPath),
	)
	if err := rt.Worker.Run(signalCtx); err != nil {
		return err
	}
	stats := rt.Worker.Stats()
	logger.Info("vidpiped shutting down",
		logging.String(logging.FieldEventType, "daemon_stopped"),
		logging.Int64("received", stats.Received),
		logging.Int64("done", stats.Done),
		logging.Int64("failed", stats.Failed),
		logging.Int64("left_for_redelivery", stats.Left),
	)
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "vidpiped.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, results []preflight.Result) {
	attrs := []logging.Attr{logging.String(logging.FieldEventType, "dependency_snapshot")}
	for _, r := range results {
		key := strings.ReplaceAll(strings.ToLower(r.Name), " ", "_")
		attrs = append(attrs,
			logging.Bool(key+"_ok", r.Passed),
			logging.String(key, r.Detail),
		)
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
	for _, r := range results {
		if !r.Passed && r.Optional {
			logging.WarnWithContext(logger, "optional dependency unavailable", "dependency_missing",
				logging.String("dependency", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldErrorHint, "install it or clear the setting"),
				logging.String(logging.FieldImpact, "related features are disabled"),
			)
		}
	}
}
