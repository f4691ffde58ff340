package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/appointments"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/chat"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mailer"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mirror"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/notifications"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/storage"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/tasks"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/whatsapp"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/config"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/crypto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/queue"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/util"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := util.NewLogger(cfg.Server.Env, "worker")
	slog.SetDefault(logger)

	logger.Info("starting nexus worker", "concurrency", cfg.Worker.Concurrency)

	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	// The worker cannot run without Redis, so unlike the API it fails here.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// Events raised here reach API subscribers through the relay channel.
	events := realtime.NewRedisRelay(redisClient, "", logger)

	var backend mirror.Backend = mirror.NewMemoryBackend()
	if cfg.Cache.Backend == "redis" {
		backend = mirror.NewRedisBackend(redisClient, cfg.Cache.Prefix)
	}
	cache := mirror.New(backend, cfg.Cache.TTL())

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		logger.Error("failed to create encryptor", "error", err)
		os.Exit(1)
	}
	if cfg.Encryption.Key == "" {
		logger.Warn("ENCRYPTION_KEY not set; stored channel tokens cannot be decrypted")
	}

	blobs, err := storage.New(context.Background(), cfg.Storage)
	if err != nil {
		logger.Error("failed to configure storage", "error", err)
		os.Exit(1)
	}

	chatService := chat.NewService(chat.Deps{
		DB:        db,
		Encryptor: encryptor,
		Sender: whatsapp.NewClient(whatsapp.Config{
			BaseURL:  cfg.WhatsApp.APIBaseURL,
			RetryMax: cfg.WhatsApp.RetryMax,
		}, logger),
		Blobs:  blobs,
		Events: events,
		Logger: logger,
		URLTTL: cfg.Storage.URLTTL(),
	})
	tracker := notifications.NewTracker(notifications.NewGormStore(db), cache, events, logger)
	appointmentService := appointments.NewService(db, tracker, logger)

	handler := tasks.NewHandler(logger, mailer.New(cfg.Email, logger), chatService, appointmentService, cfg.Reminders.Lead())

	mux := asynq.NewServeMux()
	handler.RegisterHandlers(mux)

	scheduler := queue.NewScheduler(&cfg.Redis)
	if _, err := scheduler.Register(cfg.Reminders.CronSpec, tasks.NewAppointmentRemindersTask()); err != nil {
		logger.Error("failed to register reminder schedule", "error", err)
		os.Exit(1)
	}
	if next, err := util.NextCronTime(cfg.Reminders.CronSpec, time.Now()); err == nil {
		logger.Info("appointment reminders scheduled", "cron", cfg.Reminders.CronSpec, "next_run", next)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	srv := queue.NewServer(&cfg.Redis, cfg.Worker.Concurrency)
	if err := srv.Start(mux); err != nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker started, waiting for tasks...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	scheduler.Shutdown()
	srv.Shutdown()

	redisClient.Close()
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("worker stopped")
}
