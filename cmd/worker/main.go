package main

import (
	"context"
	"log/slog"
	"os"

	"leadmarket-platform/internal/config"
	"leadmarket-platform/internal/notify"
	"leadmarket-platform/pkg/logger"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

// worker drains the notification queue and delivers events to the configured webhook.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr()},
		asynq.Config{
			Concurrency: 10,
			Queues:      map[string]int{cfg.Notify.Queue: 1},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error("notification task failed", "type", task.Type(), "err", err)
			}),
		},
	)

	log.Info("worker started", "queue", cfg.Notify.Queue)
	// Run blocks until SIGTERM/SIGINT.
	if err := srv.Run(notify.NewServeMux(notify.NewWorker(cfg.Notify.WebhookURL, nil, log))); err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
