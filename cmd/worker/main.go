// Package main runs the background job worker and the reconciliation sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/northgate-academy/media-backend/config"
	"github.com/northgate-academy/media-backend/internal/assets"
	"github.com/northgate-academy/media-backend/internal/provider"
	"github.com/northgate-academy/media-backend/internal/sweeper"
	"github.com/northgate-academy/media-backend/internal/uploads"
	"github.com/northgate-academy/media-backend/internal/worker"
	"github.com/northgate-academy/media-backend/pkg/database"
	"github.com/northgate-academy/media-backend/pkg/queue"
	"github.com/northgate-academy/media-backend/pkg/redis"
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

	assetRepo := assets.NewRepository(pool)
	resolver := assets.NewResolver(assetRepo, logger)
	assetSvc := assets.NewService(assetRepo, resolver, providerClient, s3Client, jobQueue, logger)

	uploadRepo := uploads.NewRepository(pool)
	uploadSvc := uploads.NewService(s3Client, uploadRepo, uploads.Config{
		MinPartSize:   cfg.Upload.MinPartSize,
		MaxParts:      cfg.Upload.MaxParts,
		MaxTotalSize:  cfg.Upload.MaxTotalSize,
		SessionTTL:    time.Duration(cfg.Upload.SessionTTLMinutes) * time.Minute,
		PresignExpire: s3Client.PresignExpire(),
	}, logger)

	processor := worker.NewProcessor(assetRepo, assetSvc, s3Client, jobQueue, logger)
	sweep := sweeper.New(assetRepo, assetSvc, providerClient, resolver, uploadSvc, sweeper.Config{
		Interval:         time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second,
		StalledAfter:     time.Duration(cfg.Sweeper.StalledAfterMinutes) * time.Minute,
		CallbackAfter:    time.Duration(cfg.Sweeper.CallbackAfterMinutes) * time.Minute,
		BatchSize:        cfg.Sweeper.BatchSize,
		MaxSubmitRetries: cfg.Sweeper.MaxSubmitRetries,
	}, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	go sweep.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
