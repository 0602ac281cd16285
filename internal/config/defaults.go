package config

// Backend names accepted in configuration.
const (
	JobBackendSQLite   = "sqlite"
	JobBackendPostgres = "postgres"

	BlobBackendFilesystem = "filesystem"
	BlobBackendS3         = "s3"

	QueueBackendMemory = "memory"
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"

	EventsBackendNone  = "none"
	EventsBackendLog   = "log"
	EventsBackendKafka = "kafka"
)

const (
	defaultConfigPath              = "~/.config/vidpipe/config.toml"
	defaultDataDir                 = "~/.local/share/vidpipe"
	defaultLogDir                  = "~/.local/share/vidpipe/logs"
	defaultJobsDBName              = "jobs.db"
	defaultQueueDBName             = "queue.db"
	defaultBlobDirName             = "blobs"
	defaultPostgresMaxConns        = 8
	defaultS3Region                = "us-east-1"
	defaultQueueName               = "vidpipe-jobs"
	defaultQueueWaitSeconds        = 20
	defaultQueueLeaseSeconds       = 600
	defaultQueueMaxMessages        = 1
	defaultQueueMaxReceives        = 5
	defaultQueuePollIntervalMillis = 500
	defaultFFmpegBinary            = "ffmpeg"
	defaultFFprobeBinary           = "ffprobe"
	defaultPreset                  = "480p"
	defaultDiagnosticLimit         = 1000
	defaultWorkerConcurrency       = 1
	defaultTransferAttempts        = 3
	defaultRetryInitialMillis      = 500
	defaultRetryMaxMillis          = 10000
	defaultStaleAfterSeconds       = 1800
	defaultShutdownGraceSeconds    = 30
	defaultProgressIntervalSeconds = 5
	defaultScratchMaxAgeHours      = 24
	defaultEventsTopic             = "video-job-events"
	defaultLogFormat               = "auto"
	defaultLogLevel                = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		JobStore: JobStore{
			Backend:  JobBackendSQLite,
			MaxConns: defaultPostgresMaxConns,
		},
		BlobStore: BlobStore{
			Backend: BlobBackendFilesystem,
			Region:  defaultS3Region,
			UseSSL:  true,
		},
		Queue: Queue{
			Backend:            QueueBackendSQLite,
			Name:               defaultQueueName,
			WaitSeconds:        defaultQueueWaitSeconds,
			LeaseSeconds:       defaultQueueLeaseSeconds,
			MaxMessages:        defaultQueueMaxMessages,
			MaxReceives:        defaultQueueMaxReceives,
			PollIntervalMillis: defaultQueuePollIntervalMillis,
		},
		Executor: Executor{
			FFmpegBinary:    defaultFFmpegBinary,
			FFprobeBinary:   defaultFFprobeBinary,
			DefaultPreset:   defaultPreset,
			DiagnosticLimit: defaultDiagnosticLimit,
		},
		Worker: Worker{
			Concurrency:             defaultWorkerConcurrency,
			TransferAttempts:        defaultTransferAttempts,
			RetryInitialMillis:      defaultRetryInitialMillis,
			RetryMaxMillis:          defaultRetryMaxMillis,
			StaleAfterSeconds:       defaultStaleAfterSeconds,
			ShutdownGraceSeconds:    defaultShutdownGraceSeconds,
			ProgressIntervalSeconds: defaultProgressIntervalSeconds,
			ScratchMaxAgeHours:      defaultScratchMaxAgeHours,
		},
		Events: Events{
			Backend: EventsBackendLog,
			Topic:   defaultEventsTopic,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
