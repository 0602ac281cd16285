package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"vidpipe/internal/fileutil"
	"vidpipe/internal/jobs"
	"vidpipe/internal/submission"
)

func defaultOwner() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var preset, owner, inputKey, sourceName string
	var register, asJSON bool

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Upload a video and queue it for transcoding",
		Long: "Upload a local file (or reference an already uploaded --input-key), record the job and dispatch it.\n" +
			"With --register the job is recorded but not dispatched; run `vidpipe start` once the upload is in place.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			if len(args) == 0 && inputKey == "" && !register {
				return errors.New("provide a file to upload or --input-key")
			}
			svc, err := ctx.submission(cmd.Context())
			if err != nil {
				return err
			}
			in := submission.Input{Owner: owner, InputKey: inputKey, Preset: preset, SourceName: sourceName}
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return fmt.Errorf("stat input: %w", err)
				}
				in.Reader = f
				in.Size = info.Size()
				if in.SourceName == "" {
					in.SourceName = filepath.Base(args[0])
				}
			}

			var job *jobs.Job
			if register {
				job, err = svc.Register(cmd.Context(), in)
			} else {
				job, err = svc.CreateJob(cmd.Context(), in)
			}
			if err != nil {
				if job != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "job %s recorded but not dispatched; retry with `vidpipe start %s`\n", job.ID, job.ID)
				}
				return err
			}
			if asJSON {
				return writeJSON(cmd, newJobView(job))
			}
			out := cmd.OutOrStdout()
			if register {
				fmt.Fprintf(out, "Registered job %s\nUpload to %s, then run `vidpipe start %s`\n", job.ID, job.InputKey, job.ID)
				return nil
			}
			fmt.Fprintf(out, "Submitted job %s (%s)\n", job.ID, job.Preset)
			return nil
		},
	}
	cmd.Flags().StringVarP(&preset, "preset", "p", "", "Output preset (360p, 480p, 720p, 1080p)")
	cmd.Flags().StringVar(&owner, "owner", defaultOwner(), "Job owner")
	cmd.Flags().StringVar(&inputKey, "input-key", "", "Use an object already present in the blob store")
	cmd.Flags().StringVar(&sourceName, "name", "", "Original file name (defaults to the file's base name)")
	cmd.Flags().BoolVar(&register, "register", false, "Record the job without dispatching it")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var preset string
	cmd := &cobra.Command{
		Use:   "start <job-id>",
		Short: "Dispatch a registered job once its input is uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			svc, err := ctx.submission(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Start(cmd.Context(), args[0], preset)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started job %s (%s)\n", job.ID, job.Preset)
			return nil
		},
	}
	cmd.Flags().StringVarP(&preset, "preset", "p", "", "Override the job's preset")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			svc, err := ctx.submission(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Get(cmd.Context(), args[0], owner)
			if errors.Is(err, jobs.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, newJobView(job))
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJob(job))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only show the job if it belongs to this owner")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var owner string
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			opts := jobs.ListOptions{Owner: owner, Limit: limit}
			for _, raw := range statuses {
				for _, part := range strings.Split(raw, ",") {
					status, ok := jobs.ParseStatus(part)
					if !ok {
						return fmt.Errorf("unknown status %q", part)
					}
					opts.Statuses = append(opts.Statuses, status)
				}
			}
			svc, err := ctx.submission(cmd.Context())
			if err != nil {
				return err
			}
			list, err := svc.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]jobView, 0, len(list))
				for _, job := range list {
					views = append(views, newJobView(job))
				}
				return writeJSON(cmd, views)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No jobs")
				return nil
			}
			fmt.Fprintln(out, renderJobTable(list))
			return nil
		},
	}
	names := make([]string, 0, 4)
	for _, status := range jobs.AllStatuses() {
		names = append(names, string(status))
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status ("+strings.Join(names, ", ")+")")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print jobs as JSON")
	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "download <job-id> [dest]",
		Short: "Save a finished job's output",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			svc, err := ctx.submission(cmd.Context())
			if err != nil {
				return err
			}
			rc, job, err := svc.OpenOutput(cmd.Context(), args[0], owner)
			if err != nil {
				return err
			}
			defer rc.Close()
			dest := filepath.Base(job.OutputKey)
			if len(args) == 2 {
				dest = args[1]
			}
			n, err := fileutil.WriteAtomic(dest, rc, 0o644)
			if err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s)\n", dest, formatBytes(n))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Require the job to belong to this owner")
	return cmd
}
