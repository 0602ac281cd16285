package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"vidpipe/internal/executor"
)

func TestSubmitStatusAndList(t *testing.T) {
	env := setupCLITestEnv(t)
	input := writeInput(t, env.baseDir, "Holiday Clip.mov", "raw frames")

	out, _, err := runCLI(t, []string{"submit", input, "--preset", "720p", "--owner", "alice", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := decodeJob(t, out)
	if job.Status != "processing" && job.Status != "created" {
		t.Fatalf("unexpected status after submit: %q", job.Status)
	}
	if job.Preset != "720p" || job.Owner != "alice" {
		t.Fatalf("unexpected job: %+v", job)
	}

	out, _, err = runCLI(t, []string{"status", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, job.ID)
	requireContains(t, out, "Holiday Clip.mov")

	if _, _, err := runCLI(t, []string{"status", job.ID, "--owner", "mallory"}, env.configPath); err == nil {
		t.Fatal("expected status for another owner to fail")
	}

	out, _, err = runCLI(t, []string{"list", "--owner", "alice"}, env.configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, job.ID)

	out, _, err = runCLI(t, []string{"list", "--status", "done"}, env.configPath)
	if err != nil {
		t.Fatalf("list done: %v", err)
	}
	requireContains(t, out, "No jobs")
}

func TestListRejectsUnknownStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"list", "--status", "created,paused"}, env.configPath); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}

func TestSubmitRegisterThenStart(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"submit", "--register", "--name", "later.mp4", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("submit --register: %v", err)
	}
	job := decodeJob(t, out)
	if job.Status != "created" {
		t.Fatalf("expected created job, got %q", job.Status)
	}

	// Nothing uploaded yet.
	if _, _, err := runCLI(t, []string{"start", job.ID}, env.configPath); err == nil {
		t.Fatal("expected start without input to fail")
	}

	target := filepath.Join(env.cfg.BlobStore.Root, filepath.FromSlash(job.InputKey))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir blob dir: %v", err)
	}
	if err := os.WriteFile(target, []byte("uploaded"), 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}

	out, _, err = runCLI(t, []string{"start", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Started job "+job.ID)
}

func TestRunTranscodesAndDownloads(t *testing.T) {
	env := setupCLITestEnv(t)
	input := writeInput(t, env.baseDir, "clip.mp4", "raw frames")

	out, _, err := runCLI(t, []string{"run", input, "--preset", "360p"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	requireContains(t, out, "Done")
	if calls := env.exec.Calls(); len(calls) != 1 || calls[0].Preset != "360p" {
		t.Fatalf("unexpected executor calls: %+v", calls)
	}

	out, _, err = runCLI(t, []string{"list", "--status", "done", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var done []jobView
	if err := json.Unmarshal([]byte(out), &done); err != nil || len(done) != 1 {
		t.Fatalf("decode list json %q: %v", out, err)
	}

	dest := filepath.Join(env.baseDir, "result.mp4")
	out, _, err = runCLI(t, []string{"download", done[0].ID, dest}, env.configPath)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	requireContains(t, out, "Wrote "+dest)
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(data) != "encoded video" {
		t.Fatalf("unexpected output contents %q", data)
	}

	listOut, _, err := runCLI(t, []string{"list", "--status", "done"}, env.configPath)
	if err != nil {
		t.Fatalf("list table: %v", err)
	}
	requireContains(t, listOut, "360p")
}

func TestRunReportsExecutorFailure(t *testing.T) {
	env := setupCLITestEnv(t)
	env.exec.Fail = &executor.Failure{ExitCode: 1, Reason: "unsupported codec", Diagnostic: "Invalid data found when processing input"}
	input := writeInput(t, env.baseDir, "broken.avi", "garbage")

	out, _, err := runCLI(t, []string{"run", input}, env.configPath)
	if err == nil {
		t.Fatal("expected run to report the failed job")
	}
	requireContains(t, out, "Error")
	requireContains(t, out, "Diagnostic output:")
	requireContains(t, out, "Invalid data found")
}

func TestDownloadRequiresDoneJob(t *testing.T) {
	env := setupCLITestEnv(t)
	input := writeInput(t, env.baseDir, "clip.mp4", "raw frames")

	out, _, err := runCLI(t, []string{"submit", input, "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := decodeJob(t, out)

	dest := filepath.Join(env.baseDir, "out.mp4")
	if _, _, err := runCLI(t, []string{"download", job.ID, dest}, env.configPath); err == nil {
		t.Fatal("expected download of unfinished job to fail")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected no output file, stat err = %v", err)
	}
}
