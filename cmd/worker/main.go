package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SlideFill/internal/app"
	"github.com/dharsanguruparan/SlideFill/internal/config"
	"github.com/dharsanguruparan/SlideFill/internal/queue"
	"github.com/dharsanguruparan/SlideFill/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := cfg.NewLogger()

	pipeline, err := app.Build(ctx, cfg, logger, true)
	if err != nil {
		log.Fatalf("init pipeline: %v", err)
	}
	defer pipeline.Close()
	// The sweeper re-dispatches stale pending jobs, so the worker needs a
	// producer too.
	pipeline.UseQueue()
	go pipeline.Sweeper.Run(ctx, cfg.SweepInterval)

	server := asynq.NewServer(pipeline.RedisOpt(), asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Queues:      map[string]int{queue.QueueName: 1},
	})
	processor := worker.NewProcessor(pipeline.Controller, logger)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", "concurrency", cfg.ProcessingPool, "queue", queue.QueueName)
	if err := server.Run(mux); err != nil {
		logger.Error("worker stopped", "error", err)
		pipeline.Close()
		os.Exit(1)
	}
}
