package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateJobStore(); err != nil {
		return err
	}
	if err := c.validateBlobStore(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateExecutor(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateJobStore() error {
	switch c.JobStore.Backend {
	case JobBackendSQLite:
		if c.JobStore.Path == "" {
			return errors.New("job_store.path must be set for the sqlite backend")
		}
	case JobBackendPostgres:
		if c.JobStore.DSN == "" {
			return errors.New("job_store.dsn is required for the postgres backend. Set VIDPIPE_POSTGRES_DSN or edit the config file")
		}
	default:
		return fmt.Errorf("job_store.backend: unsupported value %q (want sqlite or postgres)", c.JobStore.Backend)
	}
	return nil
}

func (c *Config) validateBlobStore() error {
	switch c.BlobStore.Backend {
	case BlobBackendFilesystem:
		if c.BlobStore.Root == "" {
			return errors.New("blob_store.root must be set for the filesystem backend")
		}
	case BlobBackendS3:
		if c.BlobStore.Endpoint == "" {
			return errors.New("blob_store.endpoint must be set for the s3 backend")
		}
		if strings.Contains(c.BlobStore.Endpoint, "://") {
			return errors.New("blob_store.endpoint must be host[:port] without a scheme; use blob_store.use_ssl to select https")
		}
		if c.BlobStore.Bucket == "" {
			return errors.New("blob_store.bucket must be set for the s3 backend")
		}
		if c.BlobStore.AccessKey == "" || c.BlobStore.SecretKey == "" {
			return errors.New("blob_store access_key and secret_key are required for the s3 backend. Set VIDPIPE_S3_ACCESS_KEY and VIDPIPE_S3_SECRET_KEY or edit the config file")
		}
	default:
		return fmt.Errorf("blob_store.backend: unsupported value %q (want filesystem or s3)", c.BlobStore.Backend)
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueBackendMemory, QueueBackendSQLite:
	case QueueBackendRedis:
		if c.Queue.RedisAddr == "" {
			return errors.New("queue.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend: unsupported value %q (want memory, sqlite or redis)", c.Queue.Backend)
	}
	if c.Queue.LeaseSeconds <= 0 {
		return errors.New("queue.lease_seconds must be positive")
	}
	if c.Queue.MaxReceives < 0 {
		return errors.New("queue.max_receives must be zero (unlimited) or positive")
	}
	return nil
}

func (c *Config) validateExecutor() error {
	if c.Executor.TimeoutSeconds < 0 {
		return errors.New("executor.timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.StaleAfterSeconds <= 0 {
		return errors.New("worker.stale_after_seconds must be positive")
	}
	// Heartbeats are refreshed at a third of the lease, so anything shorter
	// than the lease would reclaim jobs that are still alive.
	if c.Worker.StaleAfterSeconds < c.Queue.LeaseSeconds {
		return fmt.Errorf("worker.stale_after_seconds (%d) must be at least queue.lease_seconds (%d)",
			c.Worker.StaleAfterSeconds, c.Queue.LeaseSeconds)
	}
	if c.Worker.ShutdownGraceSeconds < 0 {
		return errors.New("worker.shutdown_grace_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateEvents() error {
	switch c.Events.Backend {
	case EventsBackendNone, EventsBackendLog:
	case EventsBackendKafka:
		if len(c.Events.Brokers) == 0 {
			return errors.New("events.brokers must list at least one broker for the kafka backend")
		}
	default:
		return fmt.Errorf("events.backend: unsupported value %q (want none, log or kafka)", c.Events.Backend)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
