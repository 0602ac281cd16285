package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"vidpipe/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "vidpipe")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.ScratchDir != filepath.Join(wantData, "scratch") {
		t.Fatalf("unexpected scratch dir: %q", cfg.Paths.ScratchDir)
	}
	if cfg.JobStore.Path != filepath.Join(wantData, "jobs.db") {
		t.Fatalf("unexpected job store path: %q", cfg.JobStore.Path)
	}
	if cfg.Queue.Path != filepath.Join(wantData, "queue.db") {
		t.Fatalf("unexpected queue path: %q", cfg.Queue.Path)
	}
	if cfg.BlobStore.Root != filepath.Join(wantData, "blobs") {
		t.Fatalf("unexpected blob root: %q", cfg.BlobStore.Root)
	}
	if cfg.Queue.WaitSeconds != 20 || cfg.Queue.LeaseSeconds != 600 {
		t.Fatalf("unexpected queue timing: wait=%d lease=%d", cfg.Queue.WaitSeconds, cfg.Queue.LeaseSeconds)
	}
	if cfg.Executor.DefaultPreset != "480p" {
		t.Fatalf("unexpected default preset: %q", cfg.Executor.DefaultPreset)
	}
	if cfg.Executor.DiagnosticLimit != 1000 {
		t.Fatalf("unexpected diagnostic limit: %d", cfg.Executor.DiagnosticLimit)
	}
	if cfg.Worker.ID == "" {
		t.Fatal("expected worker id to default to hostname")
	}
}

func TestLoadCustomConfigOverridesDefaults(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("VIDPIPE_S3_ACCESS_KEY", "env-access")
	t.Setenv("VIDPIPE_S3_SECRET_KEY", "env-secret")

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	payload := map[string]any{
		"paths": map[string]any{
			"data_dir": "~/vp",
		},
		"blob_store": map[string]any{
			"backend":  "S3",
			"endpoint": "minio:9000",
			"bucket":   "videos",
		},
		"queue": map[string]any{
			"backend":    "redis",
			"redis_addr": "localhost:6379",
		},
		"events": map[string]any{
			"backend": "kafka",
			"brokers": []string{" kafka:9092 ", ""},
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != cfgPath {
		t.Fatalf("expected explicit config to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "vp") {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}
	if cfg.BlobStore.Backend != config.BlobBackendS3 {
		t.Fatalf("expected backend name to be normalized, got %q", cfg.BlobStore.Backend)
	}
	if cfg.BlobStore.AccessKey != "env-access" || cfg.BlobStore.SecretKey != "env-secret" {
		t.Fatal("expected S3 credentials from environment")
	}
	if len(cfg.Events.Brokers) != 1 || cfg.Events.Brokers[0] != "kafka:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Events.Brokers)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown job backend", func(c *config.Config) { c.JobStore.Backend = "mysql" }, "job_store.backend"},
		{"postgres without dsn", func(c *config.Config) { c.JobStore.Backend = "postgres"; c.JobStore.DSN = "" }, "job_store.dsn"},
		{"s3 with scheme", func(c *config.Config) {
			c.BlobStore.Backend = "s3"
			c.BlobStore.Endpoint = "https://minio:9000"
		}, "without a scheme"},
		{"redis without addr", func(c *config.Config) { c.Queue.Backend = "redis" }, "queue.redis_addr"},
		{"zero lease", func(c *config.Config) { c.Queue.LeaseSeconds = 0 }, "lease_seconds"},
		{"stale shorter than lease", func(c *config.Config) { c.Worker.StaleAfterSeconds = 60 }, "stale_after_seconds"},
		{"kafka without brokers", func(c *config.Config) { c.Events.Backend = "kafka" }, "events.brokers"},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.JobStore.Path = "/tmp/jobs.db"
			cfg.BlobStore.Root = "/tmp/blobs"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRenderMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.BlobStore.SecretKey = "super-secret"
	cfg.JobStore.DSN = "postgres://user:pw@db/vidpipe"

	out, err := cfg.Render()
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if strings.Contains(out, "super-secret") || strings.Contains(out, "user:pw") {
		t.Fatalf("expected secrets to be masked, got:\n%s", out)
	}
}

func TestSampleConfigParses(t *testing.T) {
	cfg := config.Default()
	if err := toml.Unmarshal([]byte(config.Sample()), &cfg); err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}
	if cfg.Queue.MaxReceives != 5 {
		t.Fatalf("unexpected sample max_receives: %d", cfg.Queue.MaxReceives)
	}
}

func TestEnsureDirectoriesCreatesPaths(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ScratchDir = filepath.Join(base, "scratch")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.BlobStore.Root = filepath.Join(base, "blobs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.ScratchDir, cfg.Paths.LogDir, cfg.BlobStore.Root} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", dir)
		}
	}
}
