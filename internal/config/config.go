package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	ScratchDir string `toml:"scratch_dir"`
	LogDir     string `toml:"log_dir"`
}

// JobStore selects and configures the durable job record backend.
type JobStore struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
}

// BlobStore selects and configures input/output artifact storage.
type BlobStore struct {
	Backend      string `toml:"backend"`
	Root         string `toml:"root"`
	Endpoint     string `toml:"endpoint"`
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	AccessKey    string `toml:"access_key"`
	SecretKey    string `toml:"secret_key"`
	UseSSL       bool   `toml:"use_ssl"`
	CreateBucket bool   `toml:"create_bucket"`
}

// Queue selects and configures the work queue.
type Queue struct {
	Backend            string `toml:"backend"`
	Name               string `toml:"name"`
	Path               string `toml:"path"`
	RedisAddr          string `toml:"redis_addr"`
	RedisPassword      string `toml:"redis_password"`
	RedisDB            int    `toml:"redis_db"`
	WaitSeconds        int    `toml:"wait_seconds"`
	LeaseSeconds       int    `toml:"lease_seconds"`
	MaxMessages        int    `toml:"max_messages"`
	MaxReceives        int    `toml:"max_receives"`
	PollIntervalMillis int    `toml:"poll_interval_ms"`
}

// Executor configures the external transcoder.
type Executor struct {
	FFmpegBinary    string `toml:"ffmpeg_binary"`
	FFprobeBinary   string `toml:"ffprobe_binary"`
	DefaultPreset   string `toml:"default_preset"`
	DiagnosticLimit int    `toml:"diagnostic_limit"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// Worker contains consumer loop timing and retry settings.
type Worker struct {
	ID                      string `toml:"id"`
	Concurrency             int    `toml:"concurrency"`
	TransferAttempts        int    `toml:"transfer_attempts"`
	RetryInitialMillis      int    `toml:"retry_initial_ms"`
	RetryMaxMillis          int    `toml:"retry_max_ms"`
	StaleAfterSeconds       int    `toml:"stale_after_seconds"`
	ShutdownGraceSeconds    int    `toml:"shutdown_grace_seconds"`
	ProgressIntervalSeconds int    `toml:"progress_interval_seconds"`
	ScratchMaxAgeHours      int    `toml:"scratch_max_age_hours"`
}

// Events configures job state change publication.
type Events struct {
	Backend string   `toml:"backend"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vidpipe.
//
// Configuration sections by subsystem:
//   - Paths: data, scratch and log directories
//   - JobStore: sqlite or postgres job records
//   - BlobStore: filesystem or S3-compatible artifact storage
//   - Queue: memory, sqlite or redis work queue and lease timing
//   - Executor: ffmpeg binaries, default preset, diagnostic limits
//   - Worker: concurrency, transfer retries, staleness and shutdown
//   - Events: job state change publication (log or kafka)
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	JobStore  JobStore  `toml:"job_store"`
	BlobStore BlobStore `toml:"blob_store"`
	Queue     Queue     `toml:"queue"`
	Executor  Executor  `toml:"executor"`
	Worker    Worker    `toml:"worker"`
	Events    Events    `toml:"events"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vidpipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the local directories the configured backends need.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.ScratchDir, c.Paths.LogDir}
	if c.BlobStore.Backend == BlobBackendFilesystem {
		dirs = append(dirs, c.BlobStore.Root)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueWait returns the long-poll wait for a single receive call.
func (c *Config) QueueWait() time.Duration {
	return time.Duration(c.Queue.WaitSeconds) * time.Second
}

// QueueLease returns the visibility lease granted to each received message.
func (c *Config) QueueLease() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// QueuePollInterval returns how often polling backends re-check for visible messages.
func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMillis) * time.Millisecond
}

// StaleAfter returns the heartbeat age after which a processing job is considered abandoned.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterSeconds) * time.Second
}

// ShutdownGrace returns how long in-flight jobs may run after shutdown begins.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Worker.ShutdownGraceSeconds) * time.Second
}

// ProgressInterval returns the minimum spacing between persisted progress updates.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Worker.ProgressIntervalSeconds) * time.Second
}

// RetryInitial returns the first transfer retry delay.
func (c *Config) RetryInitial() time.Duration {
	return time.Duration(c.Worker.RetryInitialMillis) * time.Millisecond
}

// RetryMax returns the transfer retry delay cap.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.Worker.RetryMaxMillis) * time.Millisecond
}

// ScratchMaxAge returns the age after which unlocked scratch workspaces are swept.
func (c *Config) ScratchMaxAge() time.Duration {
	return time.Duration(c.Worker.ScratchMaxAgeHours) * time.Hour
}

// ExecutorTimeout returns the per-job executor limit, or zero when unbounded.
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// Sample returns the commented sample configuration.
func Sample() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Render encodes the effective configuration as TOML with secrets masked.
func (c *Config) Render() (string, error) {
	masked := *c
	masked.BlobStore.SecretKey = mask(masked.BlobStore.SecretKey)
	masked.Queue.RedisPassword = mask(masked.Queue.RedisPassword)
	masked.JobStore.DSN = mask(masked.JobStore.DSN)
	data, err := toml.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(data), nil
}

func mask(value string) string {
	if value == "" {
		return ""
	}
	return "********"
}
