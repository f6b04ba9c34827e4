// Package main is the entry point for the SlideFill API server. It serves the
// HTTP façade and, unless dispatch is delegated to asynq, runs conversions in
// an in-process worker pool.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/SlideFill/internal/api"
	"github.com/dharsanguruparan/SlideFill/internal/app"
	"github.com/dharsanguruparan/SlideFill/internal/config"
)

func main() {
	// Step 1: load configuration from the environment (and .env if present).
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := cfg.NewLogger()

	// Step 2: cancel everything on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 3: stores, blobs, transformer and controller.
	pipeline, err := app.Build(ctx, cfg, logger, true)
	if err != nil {
		log.Fatalf("init pipeline: %v", err)
	}
	defer pipeline.Close()
	if err := pipeline.Dispatch(ctx); err != nil {
		log.Fatalf("init dispatch: %v", err)
	}
	go pipeline.Sweeper.Run(ctx, cfg.SweepInterval)

	// Step 4: block until the HTTP server exits.
	srv := api.New(cfg, pipeline.Controller, pipeline.Blobs, pipeline.Files, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		pipeline.Close()
		os.Exit(1)
	}
}
