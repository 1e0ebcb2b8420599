// Package main runs the media ingestion HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/northgate-academy/media-backend/config"
	"github.com/northgate-academy/media-backend/internal/assets"
	"github.com/northgate-academy/media-backend/internal/middleware"
	"github.com/northgate-academy/media-backend/internal/provider"
	"github.com/northgate-academy/media-backend/internal/uploads"
	"github.com/northgate-academy/media-backend/internal/webhooks"
	"github.com/northgate-academy/media-backend/internal/worker"
	"github.com/northgate-academy/media-backend/pkg/database"
	"github.com/northgate-academy/media-backend/pkg/queue"
	"github.com/northgate-academy/media-backend/pkg/redis"
	"github.com/northgate-academy/media-backend/pkg/response"
	"github.com/northgate-academy/media-backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		MediaBucket:          cfg.AWS.MediaBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	}, logger)

	// Uploads
	uploadRepo := uploads.NewRepository(pool)
	uploadSvc := uploads.NewService(s3Client, uploadRepo, uploads.Config{
		MinPartSize:   cfg.Upload.MinPartSize,
		MaxParts:      cfg.Upload.MaxParts,
		MaxTotalSize:  cfg.Upload.MaxTotalSize,
		SessionTTL:    time.Duration(cfg.Upload.SessionTTLMinutes) * time.Minute,
		PresignExpire: s3Client.PresignExpire(),
	}, logger)
	uploadHandler := uploads.NewHandler(uploadSvc, logger)

	// Assets: registration, dedup resolution
	assetRepo := assets.NewRepository(pool)
	resolver := assets.NewResolver(assetRepo, logger)
	assetSvc := assets.NewService(assetRepo, resolver, providerClient, s3Client, jobQueue, logger)
	assetHandler := assets.NewHandler(assetSvc, resolver, logger)

	// Webhooks
	eventRepo := webhooks.NewRepository(pool)
	webhookHandler := webhooks.NewHandler(eventRepo, resolver, jobQueue, cfg.Provider.WebhookSecret, logger)

	// Background queue worker (thumbnail mirroring, deferred submissions)
	processor := worker.NewProcessor(assetRepo, assetSvc, s3Client, jobQueue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Upload sessions
	router.POST("/uploads", uploadHandler.Initiate)
	router.PUT("/uploads/:id/parts/:n", uploadHandler.Part)
	router.POST("/uploads/:id/parts/:n", uploadHandler.RecordPart)
	router.POST("/uploads/:id/complete", uploadHandler.Complete)
	router.POST("/uploads/:id/abort", uploadHandler.Abort)

	// Assets
	router.POST("/assets", assetHandler.Register)
	router.GET("/assets/duplicates", assetHandler.ListDuplicates)
	router.POST("/assets/resolve", assetHandler.Resolve)
	router.GET("/assets/:id", assetHandler.Get)

	// Webhooks (no auth; HMAC signature validated in handler)
	router.POST("/webhooks/processing", webhookHandler.Handle)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go processor.Run(workerCtx)
	logger.Info("ingest worker started")

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
