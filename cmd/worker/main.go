package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"invoice-import/internal/config"
	"invoice-import/internal/database"
	"invoice-import/internal/repository"
	"invoice-import/internal/service"
	"invoice-import/internal/utils"
	"invoice-import/internal/worker"

	"github.com/hibiken/asynq"
)

func main() {
	logger := utils.GetLogger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	db, err := database.NewMySQL(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Redis; the worker reads sessions saved by the web process
	redisClient, err := database.NewRedis(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	importService := service.NewImportService(
		repository.NewRedisSessionStore(redisClient, cfg.ImportSessionTTL),
		repository.NewInvoiceRepository(db),
		repository.NewImportLogRepository(db),
		nil,
		logger,
		service.ImportOptions{
			ChunkSize:   cfg.ImportChunkSize,
			PreviewRows: cfg.ImportPreviewRows,
		},
	)

	// Create Asynq server
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPassword,
			DB:       cfg.AsynqRedisDB,
		},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.WithError(err).WithField("task", task.Type()).Error("Task failed")
			}),
			Logger: logger,
		},
	)

	// Register task handlers
	mux := asynq.NewServeMux()
	worker.RegisterHandlers(mux, importService, logger)

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logger.Info("Gracefully shutting down worker...")
		srv.Shutdown()
	}()

	// Start worker
	logger.Infof("Worker starting with concurrency: %d", cfg.WorkerConcurrency)
	if err := srv.Run(mux); err != nil {
		logger.Fatalf("Failed to start worker: %v", err)
	}

	logger.Info("Worker exited")
}
