package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"cvfolio/internal/config"
	"cvfolio/internal/database"
	"cvfolio/internal/jobs"
	"cvfolio/internal/notify"
	"cvfolio/internal/payment"
	"cvfolio/internal/pdf"
	"cvfolio/internal/storage"
	"cvfolio/internal/worker"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "worker"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	logger.Info("database connection ready for worker")

	storageClient, err := storage.NewClient(ctx, cfg.MinIO, logger)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	redisAddr := cfg.Redis.Addr()
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	publisher := notify.NewPublisher(redisClient)
	payments, err := payment.NewServiceFromConfig(cfg, db, redisClient, publisher, logger)
	if err != nil {
		log.Fatalf("init payment service: %v", err)
	}
	importer := jobs.NewImporter(db, &http.Client{Timeout: 30 * time.Second}, logger)

	mux := worker.NewServeMux(worker.Handlers{
		CVRender:         worker.NewCVRenderHandler(db, storageClient, pdf.NewRodRenderer(logger), publisher, logger),
		PaymentReconcile: worker.NewPaymentReconcileHandler(payments, cfg.Payment.StaleAfter(), logger),
		FeedImport:       worker.NewFeedImportHandler(importer, cfg.Jobs.Feeds(), logger),
	})

	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}
	scheduler := asynq.NewScheduler(redisOpt, nil)
	ids, err := worker.RegisterSchedules(scheduler, cfg)
	if err != nil {
		log.Fatalf("register schedules: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	defer scheduler.Shutdown()
	logger.Info("scheduler started", slog.Int("entries", len(ids)))

	server := asynq.NewServer(redisOpt, worker.ServerConfig(cfg.Worker, logger))
	if err := server.Start(mux); err != nil {
		log.Fatalf("start worker server: %v", err)
	}
	logger.Info("worker service started", slog.String("redis_addr", redisAddr))

	<-ctx.Done()
	logger.Info("worker shutting down")
	server.Shutdown()
}
