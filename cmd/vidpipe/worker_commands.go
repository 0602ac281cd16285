package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vidpipe/internal/bootstrap"
	"vidpipe/internal/config"
	"vidpipe/internal/daemonrun"
	"vidpipe/internal/jobs"
	"vidpipe/internal/submission"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the configured queue in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel, Development: development})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in logs")
	return cmd
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var preset, owner string
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Submit a file and transcode it in this process",
		Long:  "Uses an in-process queue and the configured job and blob stores, then waits for the job to finish.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			job, err := runInProcess(runCtx, ctx, cfg, args[0], submission.Input{Owner: owner, Preset: preset})
			if job != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderJob(job))
			}
			if err != nil {
				return err
			}
			if job.Status == jobs.StatusError {
				return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&preset, "preset", "p", "", "Output preset (360p, 480p, 720p, 1080p)")
	cmd.Flags().StringVar(&owner, "owner", defaultOwner(), "Job owner")
	return cmd
}

func runInProcess(runCtx context.Context, ctx *commandContext, cfg *config.Config, path string, in submission.Input) (*jobs.Job, error) {
	local := *cfg
	local.Queue.Backend = config.QueueBackendMemory
	logger := ctx.logger()

	b, err := bootstrap.Open(runCtx, &local, logger)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	svc, err := b.Submission()
	if err != nil {
		return nil, err
	}
	rt, err := b.Worker(workerExecutor(&local))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	in.Reader = f
	in.Size = info.Size()
	in.SourceName = filepath.Base(path)

	job, err := svc.CreateJob(runCtx, in)
	if err != nil {
		return nil, err
	}
	for !job.Status.IsTerminal() {
		n, err := rt.Worker.RunOnce(runCtx)
		if err != nil {
			return job, err
		}
		if job, err = svc.Get(context.WithoutCancel(runCtx), job.ID, ""); err != nil {
			return nil, err
		}
		if runCtx.Err() != nil && !job.Status.IsTerminal() {
			return job, runCtx.Err()
		}
		if n == 0 {
			select {
			case <-runCtx.Done():
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return job, nil
}
