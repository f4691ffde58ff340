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

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/appointments"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/chat"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/mirror"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/notifications"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/pipeline"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/storage"
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

	logger := util.NewLogger(cfg.Server.Env, "api")
	slog.SetDefault(logger)

	logger.Info("starting nexus api",
		"env", cfg.Server.Env,
		"addr", cfg.Server.Addr(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if cfg.Server.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Redis is optional in development: the mirror falls back to memory,
	// events stay in-process and nothing is enqueued.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("failed to connect to Redis", "error", err)
		_ = redisClient.Close()
		redisClient = nil
	}

	var (
		asynqClient *asynq.Client
		enqueuer    queue.Enqueuer
	)
	if redisClient != nil {
		asynqClient = queue.NewClient(&cfg.Redis)
		enqueuer = asynqClient
	}

	var backend mirror.Backend = mirror.NewMemoryBackend()
	if cfg.Cache.Backend == "redis" {
		if redisClient != nil {
			backend = mirror.NewRedisBackend(redisClient, cfg.Cache.Prefix)
		} else {
			logger.Warn("CACHE_BACKEND is redis but Redis is unavailable, using memory")
		}
	}
	cache := mirror.New(backend, cfg.Cache.TTL())

	hub := realtime.NewHub(logger)
	var events realtime.Publisher = hub
	if redisClient != nil {
		relay := realtime.NewRedisRelay(redisClient, "", logger)
		events = relay
		go func() {
			if err := relay.Run(ctx, hub); err != nil {
				logger.Error("realtime relay stopped", "error", err)
			}
		}()
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		logger.Error("failed to create encryptor", "error", err)
		os.Exit(1)
	}
	if cfg.Encryption.Key == "" {
		logger.Warn("ENCRYPTION_KEY not set, using generated key - channel tokens will be unreadable after restart")
	}

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to configure storage", "error", err)
		os.Exit(1)
	}
	if blobs == nil {
		logger.Info("attachment storage disabled")
	}

	// Initialize services
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Expiry())
	tracker := notifications.NewTracker(notifications.NewGormStore(db), cache, events, logger)
	chatService := chat.NewService(chat.Deps{
		DB:        db,
		Encryptor: encryptor,
		Queue:     enqueuer,
		Blobs:     blobs,
		Events:    events,
		Logger:    logger,
		URLTTL:    cfg.Storage.URLTTL(),
	})

	router := api.NewRouter(api.RouterConfig{
		DB:                 db,
		Redis:              redisClient,
		Logger:             logger,
		JWTService:         jwtService,
		AuthService:        auth.NewService(db, jwtService),
		Invitations:        auth.NewInvitationService(db, jwtService, enqueuer, cfg.Server.PublicURL, logger),
		Members:            auth.NewMemberService(db),
		Pipeline:           pipeline.NewService(pipeline.NewGormStore(db), cache, events, logger),
		Tracker:            tracker,
		Appointments:       appointments.NewService(db, tracker, logger),
		Chat:               chatService,
		Realtime:           realtime.NewServer(hub, cfg.Server.AllowedOrigins, logger),
		WebhookVerifyToken: cfg.WhatsApp.VerifyToken,
		WebhookAppSecret:   cfg.WhatsApp.AppSecret,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		RateLimitReqs:      cfg.RateLimit.Requests,
		RateLimitSecs:      cfg.RateLimit.WindowSeconds,
	})

	// No WriteTimeout: websocket connections on /api/v1/realtime are long lived.
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if asynqClient != nil {
		asynqClient.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("server stopped")
}
