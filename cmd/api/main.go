package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"cvfolio/internal/api"
	"cvfolio/internal/auth"
	"cvfolio/internal/chat"
	"cvfolio/internal/config"
	"cvfolio/internal/database"
	"cvfolio/internal/httpretry"
	"cvfolio/internal/llm"
	"cvfolio/internal/notify"
	"cvfolio/internal/payment"
	"cvfolio/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "api"))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("api bootstrapping",
		slog.String("db_host", cfg.Database.Host),
		slog.Int("db_port", cfg.Database.Port),
		slog.String("db_name", cfg.Database.Name),
	)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return err
	}
	logger.Info("database migrated")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	store, err := storage.NewClient(ctx, cfg.MinIO, logger)
	if err != nil {
		return fmt.Errorf("init storage client: %w", err)
	}

	privatePEM, publicPEM, err := cfg.Auth.KeyPair()
	if err != nil {
		return err
	}
	authService, err := auth.NewAuthService(privatePEM, publicPEM, cfg.Auth.AccessTTL(), cfg.Auth.RefreshTTL())
	if err != nil {
		return fmt.Errorf("init auth service: %w", err)
	}

	payments, err := payment.NewServiceFromConfig(cfg, db, redisClient, notify.NewPublisher(redisClient), logger)
	if err != nil {
		return fmt.Errorf("init payment service: %w", err)
	}

	llmClient := llm.NewOpenAIClient(cfg.LLM, httpretry.New(&http.Client{Timeout: 60 * time.Second}, 2, httpretry.WithLogger(logger)))

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()})
	defer asynqClient.Close()

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, api.Dependencies{
		Config:   cfg,
		DB:       db,
		Redis:    redisClient,
		Enqueuer: asynqClient,
		Auth:     authService,
		OAuth:    auth.NewOAuthProviders(cfg.OAuth, cfg.API.PublicBaseURL),
		Store:    store,
		Scanner:  api.NewClamdScanner(cfg.API.ClamdAddr),
		Payments: payments,
		Chat:     chat.NewService(db, redisClient, llmClient, cfg.LLM, logger),
		Logger:   logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
