package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidpipe/internal/config"
	"vidpipe/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckBinary(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	if err := os.WriteFile(present, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	if got := CheckBinary("Present", present, false); !got.Passed || got.Detail != present {
		t.Fatalf("expected present binary to pass, got %#v", got)
	}
	missing := CheckBinary("Missing", "clearly-not-present-binary", true)
	if missing.Passed || missing.Detail == "" || !missing.Optional {
		t.Fatalf("unexpected result for missing binary: %#v", missing)
	}
	if got := CheckBinary("Empty", "  ", false); got.Passed || got.Detail != "command not configured" {
		t.Fatalf("unexpected result for empty command: %#v", got)
	}
}

func TestCheckBackend(t *testing.T) {
	ok := CheckBackend(context.Background(), Probe{Name: "ok", Check: func(context.Context) error { return nil }})
	if !ok.Passed {
		t.Fatalf("expected pass, got %#v", ok)
	}
	bad := CheckBackend(context.Background(), Probe{Name: "bad", Check: func(context.Context) error { return errors.New("connection refused") }})
	if bad.Passed || bad.Detail != "connection refused" {
		t.Fatalf("unexpected failing result %#v", bad)
	}
	slow := CheckBackend(context.Background(), Probe{Name: "slow", Check: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}})
	if slow.Passed || slow.Detail != "check timed out (backend unresponsive)" {
		t.Fatalf("unexpected timeout result %#v", slow)
	}
}

func TestRunAllReportsMissingRequirements(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	results := RunAll(context.Background(), cfg)
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("expected all checks to pass, got %#v", failed)
	}

	cfg.Executor.FFmpegBinary = "definitely-not-ffmpeg"
	cfg.BlobStore.Backend = config.BlobBackendS3
	failed := Failed(RunAll(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "FFmpeg" {
		t.Fatalf("expected only ffmpeg to fail, got %#v", failed)
	}
}
