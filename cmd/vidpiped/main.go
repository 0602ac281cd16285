package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"vidpipe/internal/config"
	"vidpipe/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	logLevel := flag.String("log-level", "", "Override logging.level")
	flag.Parse()

	if err := run(context.Background(), *configPath, daemonrun.Options{LogLevel: *logLevel}); err != nil {
		log.Fatalf("vidpiped: %v", err)
	}
}

func run(ctx context.Context, configPath string, opts daemonrun.Options) error {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := daemonrun.Run(ctx, cfg, opts); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
