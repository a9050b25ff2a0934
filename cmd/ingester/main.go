package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samvad-hq/samvad-listing-ingest/internal/app"
	"github.com/samvad-hq/samvad-listing-ingest/internal/config"
	"github.com/samvad-hq/samvad-listing-ingest/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ingester failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Init(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	logger.InfoObj("ingester starting", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingester, err := app.NewIngester(ctx, cfg, log)
	if err != nil {
		logger.ErrorObj("failed to initialize ingester", "error", err)
		return err
	}

	if err := ingester.Run(ctx); err != nil {
		return fmt.Errorf("ingester run: %w", err)
	}

	return nil
}
