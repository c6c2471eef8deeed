package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/auth"
	"leadmarket-platform/internal/billing"
	"leadmarket-platform/internal/cards"
	"leadmarket-platform/internal/config"
	"leadmarket-platform/internal/exchange"
	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/httpapi"
	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/notify"
	"leadmarket-platform/internal/pricing"
	"leadmarket-platform/internal/reporting"
	"leadmarket-platform/internal/retry"
	"leadmarket-platform/internal/returns"
	"leadmarket-platform/internal/topup"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"
	"leadmarket-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	gw, err := gateway.NewClient(gateway.ClientConfig{
		URL:         cfg.Gateway.URL,
		QueryURL:    cfg.Gateway.QueryURL,
		SecurityKey: cfg.Gateway.SecurityKey,
		Timeout:     cfg.Gateway.Timeout,
	})
	if err != nil {
		log.Error("gateway init failed", "err", err)
		os.Exit(1)
	}

	// Notifications: asynq queue for webhook delivery, kafka for the billing event stream.
	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr()})
	defer queue.Close()
	sinks := []notify.Sink{notify.NewAsynqSink(queue, cfg.Notify.Queue)}
	if len(cfg.Kafka.Brokers) > 0 {
		kw := notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kw.Close()
		sinks = append(sinks, notify.NewKafkaSink(kw))
	}
	dispatcher := notify.NewDispatcher(log, 10*time.Second, sinks...)

	locker := utils.NewRedisLocker(rdb, "leadmarket:lock:")
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	walletStore := wallet.NewPostgresStore(db)
	ledger := wallet.NewService(walletStore, wallet.Options{
		MaxAttempts: cfg.Billing.LedgerMaxAttempts,
		Backoff:     cfg.Billing.LedgerBackoff,
		Logger:      log,
	})
	leadRepo := leads.NewPostgresRepo(db)
	pricingSvc := pricing.NewService(pricing.NewPostgresRepo(db))

	topups := topup.NewService(topup.Deps{
		Ledger:   ledger,
		Gateway:  gw,
		Locker:   locker,
		LockTTL:  cfg.Billing.TopUpLockTTL,
		Notifier: dispatcher,
		Audit:    auditSvc,
		Logger:   log,
	})
	biller := billing.NewBiller(billing.Deps{
		Ledger:   ledger,
		Gateway:  gw,
		Leads:    leadRepo,
		Pricing:  pricingSvc,
		TopUp:    topups,
		Notifier: dispatcher,
		Audit:    auditSvc,
		Logger:   log,
	})
	scheduler := retry.NewScheduler(retry.Deps{
		Ledger:  ledger,
		Gateway: gw,
		TopUps:  topups,
		Locker:  locker,
		Audit:   auditSvc,
		Logger:  log,
	}, retry.Config{
		Schedule:    cfg.Retry.Schedule,
		MinAge:      cfg.Retry.MinAge,
		MaxAge:      cfg.Retry.MaxAge,
		MaxUsers:    cfg.Retry.MaxUsers,
		CallDelay:   cfg.Retry.CallDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
		LockTTL:     cfg.Retry.LockTTL,
	})

	handlers := httpapi.Handlers{
		Auth:     authManager,
		DevLogin: cfg.App.Env == "local",
		Wallet:   ledger,
		Biller:   biller,
		Cards:    cards.NewService(ledger, gw, auditSvc, log),
		Returns: returns.NewService(returns.Deps{
			Ledger:   ledger,
			Leads:    leadRepo,
			Notifier: dispatcher,
			Audit:    auditSvc,
			Logger:   log,
		}),
		Leads:   leadRepo,
		Reports: reporting.NewService(reporting.StoreRepo{Wallets: walletStore, LeadDB: leadRepo}),
		Retry:   scheduler,
		Audit:   auditSvc,
	}
	webhook := exchange.WebhookHandler{
		Biller:     biller,
		FilterSets: pricingSvc,
		Secret:     cfg.Exchange.WebhookSecret,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, db, handlers, webhook)

	if cfg.Retry.Enabled {
		if err := scheduler.Start(); err != nil {
			log.Error("retry scheduler init failed", "err", err)
			os.Exit(1)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	scheduler.Stop(shutdownCtx)
	// in-flight top-ups and notifications finish before the pools close
	biller.Wait()
	dispatcher.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
