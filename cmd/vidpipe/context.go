package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"vidpipe/internal/bootstrap"
	"vidpipe/internal/config"
	"vidpipe/internal/executor"
	"vidpipe/internal/logging"
	"vidpipe/internal/submission"
)

// workerExecutor returns the executor worker commands use. Nil selects ffmpeg.
var workerExecutor = func(*config.Config) executor.Executor { return nil }

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	backends *bootstrap.Backends
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.NewNop()
	}
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// openBackends opens the configured backends once per invocation.
func (c *commandContext) openBackends(ctx context.Context, logger *slog.Logger) (*bootstrap.Backends, error) {
	if c.backends != nil {
		return c.backends, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	b, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.backends = b
	return b, nil
}

func (c *commandContext) submission(ctx context.Context) (*submission.Service, error) {
	b, err := c.openBackends(ctx, nil)
	if err != nil {
		return nil, err
	}
	return b.Submission()
}

func (c *commandContext) close() error {
	if c.backends == nil {
		return nil
	}
	err := c.backends.Close()
	c.backends = nil
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
