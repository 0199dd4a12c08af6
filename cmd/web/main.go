package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"invoice-import/internal/config"
	"invoice-import/internal/database"
	"invoice-import/internal/repository"
	"invoice-import/internal/router"
	"invoice-import/internal/service"
	"invoice-import/internal/utils"

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

	if err := database.Migrate(context.Background(), db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Redis is optional: without it sessions live in this process and
	// commits run in background goroutines.
	var (
		store      repository.SessionStore
		dispatcher service.CommitDispatcher
	)
	redisClient, err := database.NewRedis(cfg)
	if err != nil {
		logger.WithError(err).Warn("Redis not available, sessions are kept in memory and commits run in-process")
		store = repository.NewMemorySessionStore(cfg.ImportSessionTTL)
	} else {
		defer redisClient.Close()
		store = repository.NewRedisSessionStore(redisClient, cfg.ImportSessionTTL)

		asynqClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPassword,
			DB:       cfg.AsynqRedisDB,
		})
		defer asynqClient.Close()
		dispatcher = service.NewAsynqDispatcher(asynqClient)
	}

	importService := service.NewImportService(
		store,
		repository.NewInvoiceRepository(db),
		repository.NewImportLogRepository(db),
		dispatcher,
		logger,
		service.ImportOptions{
			ChunkSize:   cfg.ImportChunkSize,
			PreviewRows: cfg.ImportPreviewRows,
		},
	)

	app := router.NewApp(cfg)
	router.Setup(app, importService, cfg)

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logger.Info("Gracefully shutting down...")
		_ = app.Shutdown()
	}()

	// Start server
	port := fmt.Sprintf(":%s", cfg.AppPort)
	logger.Infof("Server starting on %s", port)
	if err := app.Listen(port); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	// In-process commits must finish before the session store goes away.
	importService.Wait()
	logger.Info("Server exited")
}
