package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"leadmarket-platform/internal/config"
	"leadmarket-platform/internal/schema"
	"leadmarket-platform/pkg/logger"
	"leadmarket-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 1})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := schema.Apply(ctx, db); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	log.Info("schema applied", "db", cfg.DB.Name)
}
