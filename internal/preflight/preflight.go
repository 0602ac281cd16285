package preflight

import (
	"context"

	"vidpipe/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// Probe checks one backend's connectivity.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// RunAll executes the filesystem and binary checks for cfg, then each probe.
func RunAll(ctx context.Context, cfg *config.Config, probes ...Probe) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Scratch directory", cfg.Paths.ScratchDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if cfg.BlobStore.Backend == config.BlobBackendFilesystem {
		results = append(results, CheckDirectoryAccess("Blob root", cfg.BlobStore.Root))
	}

	results = append(results, CheckBinary("FFmpeg", cfg.Executor.FFmpegBinary, false))
	if cfg.Executor.FFprobeBinary != "" {
		probe := CheckBinary("FFprobe", cfg.Executor.FFprobeBinary, true)
		if !probe.Passed {
			probe.Detail += "; progress reporting disabled"
		}
		results = append(results, probe)
	}

	for _, p := range probes {
		results = append(results, CheckBackend(ctx, p))
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}
