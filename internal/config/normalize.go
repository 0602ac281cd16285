package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeJobStore(); err != nil {
		return err
	}
	if err := c.normalizeBlobStore(); err != nil {
		return err
	}
	if err := c.normalizeQueue(); err != nil {
		return err
	}
	c.normalizeExecutor()
	c.normalizeWorker()
	c.normalizeEvents()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		c.Paths.ScratchDir = filepath.Join(c.Paths.DataDir, "scratch")
	}
	if c.Paths.ScratchDir, err = expandPath(c.Paths.ScratchDir); err != nil {
		return fmt.Errorf("paths.scratch_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeJobStore() error {
	c.JobStore.Backend = normalizeName(c.JobStore.Backend, JobBackendSQLite)
	if c.JobStore.DSN == "" {
		if value, ok := os.LookupEnv("VIDPIPE_POSTGRES_DSN"); ok {
			c.JobStore.DSN = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.JobStore.Path) == "" {
		c.JobStore.Path = filepath.Join(c.Paths.DataDir, defaultJobsDBName)
	}
	var err error
	if c.JobStore.Path, err = expandPath(c.JobStore.Path); err != nil {
		return fmt.Errorf("job_store.path: %w", err)
	}
	if c.JobStore.MaxConns <= 0 {
		c.JobStore.MaxConns = defaultPostgresMaxConns
	}
	return nil
}

func (c *Config) normalizeBlobStore() error {
	c.BlobStore.Backend = normalizeName(c.BlobStore.Backend, BlobBackendFilesystem)
	if strings.TrimSpace(c.BlobStore.Root) == "" {
		c.BlobStore.Root = filepath.Join(c.Paths.DataDir, defaultBlobDirName)
	}
	var err error
	if c.BlobStore.Root, err = expandPath(c.BlobStore.Root); err != nil {
		return fmt.Errorf("blob_store.root: %w", err)
	}
	c.BlobStore.Endpoint = strings.TrimSpace(c.BlobStore.Endpoint)
	c.BlobStore.Bucket = strings.TrimSpace(c.BlobStore.Bucket)
	if strings.TrimSpace(c.BlobStore.Region) == "" {
		c.BlobStore.Region = defaultS3Region
	}
	if c.BlobStore.AccessKey == "" {
		if value, ok := os.LookupEnv("VIDPIPE_S3_ACCESS_KEY"); ok {
			c.BlobStore.AccessKey = strings.TrimSpace(value)
		}
	}
	if c.BlobStore.SecretKey == "" {
		if value, ok := os.LookupEnv("VIDPIPE_S3_SECRET_KEY"); ok {
			c.BlobStore.SecretKey = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeQueue() error {
	c.Queue.Backend = normalizeName(c.Queue.Backend, QueueBackendSQLite)
	c.Queue.Name = strings.TrimSpace(c.Queue.Name)
	if c.Queue.Name == "" {
		c.Queue.Name = defaultQueueName
	}
	if strings.TrimSpace(c.Queue.Path) == "" {
		c.Queue.Path = filepath.Join(c.Paths.DataDir, defaultQueueDBName)
	}
	var err error
	if c.Queue.Path, err = expandPath(c.Queue.Path); err != nil {
		return fmt.Errorf("queue.path: %w", err)
	}
	c.Queue.RedisAddr = strings.TrimSpace(c.Queue.RedisAddr)
	if c.Queue.RedisPassword == "" {
		if value, ok := os.LookupEnv("VIDPIPE_REDIS_PASSWORD"); ok {
			c.Queue.RedisPassword = value
		}
	}
	if c.Queue.WaitSeconds < 0 {
		c.Queue.WaitSeconds = 0
	}
	if c.Queue.MaxMessages <= 0 {
		c.Queue.MaxMessages = defaultQueueMaxMessages
	}
	if c.Queue.PollIntervalMillis <= 0 {
		c.Queue.PollIntervalMillis = defaultQueuePollIntervalMillis
	}
	return nil
}

func (c *Config) normalizeExecutor() {
	c.Executor.FFmpegBinary = strings.TrimSpace(c.Executor.FFmpegBinary)
	if c.Executor.FFmpegBinary == "" {
		c.Executor.FFmpegBinary = defaultFFmpegBinary
	}
	c.Executor.FFprobeBinary = strings.TrimSpace(c.Executor.FFprobeBinary)
	c.Executor.DefaultPreset = strings.ToLower(strings.TrimSpace(c.Executor.DefaultPreset))
	if c.Executor.DefaultPreset == "" {
		c.Executor.DefaultPreset = defaultPreset
	}
	if c.Executor.DiagnosticLimit <= 0 {
		c.Executor.DiagnosticLimit = defaultDiagnosticLimit
	}
}

func (c *Config) normalizeWorker() {
	c.Worker.ID = strings.TrimSpace(c.Worker.ID)
	if c.Worker.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Worker.ID = host
		}
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = defaultWorkerConcurrency
	}
	if c.Worker.TransferAttempts <= 0 {
		c.Worker.TransferAttempts = defaultTransferAttempts
	}
	if c.Worker.RetryInitialMillis <= 0 {
		c.Worker.RetryInitialMillis = defaultRetryInitialMillis
	}
	if c.Worker.RetryMaxMillis < c.Worker.RetryInitialMillis {
		c.Worker.RetryMaxMillis = c.Worker.RetryInitialMillis
	}
	if c.Worker.ProgressIntervalSeconds <= 0 {
		c.Worker.ProgressIntervalSeconds = defaultProgressIntervalSeconds
	}
	if c.Worker.ScratchMaxAgeHours <= 0 {
		c.Worker.ScratchMaxAgeHours = defaultScratchMaxAgeHours
	}
}

func (c *Config) normalizeEvents() {
	c.Events.Backend = normalizeName(c.Events.Backend, EventsBackendLog)
	brokers := c.Events.Brokers[:0]
	for _, broker := range c.Events.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Events.Brokers = brokers
	c.Events.Topic = strings.TrimSpace(c.Events.Topic)
	if c.Events.Topic == "" {
		c.Events.Topic = defaultEventsTopic
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = normalizeName(c.Logging.Format, defaultLogFormat)
	c.Logging.Level = normalizeName(c.Logging.Level, defaultLogLevel)
}

func normalizeName(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
