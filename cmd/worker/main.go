package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mapxion/internal/infra"
	"mapxion/internal/metrics"
	"mapxion/internal/queue"
	"mapxion/internal/storage"
	"mapxion/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := queue.Open(ctx, queue.Config{
		Driver:   cfg.QueueDriver,
		RedisURL: cfg.RedisURL,
		AMQPURL:  cfg.AMQPURL,
		Name:     cfg.QueueName,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open queue")
	}
	defer broker.Close()
	go broker.Watch(ctx, cfg.QueueHealthInterval)

	client := worker.NewAPIClient(cfg.APIBase, nil)
	var transport worker.Transport = client
	if cfg.WorkerStorage == infra.WorkerStorageShared {
		files, err := storage.NewFileArea(cfg.DataRoot)
		if err != nil {
			logger.Fatal().Err(err).Str("data_root", cfg.DataRoot).Msg("failed to open shared data root")
		}
		transport = worker.NewSharedArea(files)
	}

	var mirror *storage.S3Mirror
	if cfg.S3Bucket != "" {
		mirror, err = storage.NewS3Mirror(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure output mirror")
		}
	}

	m := metrics.New()
	metricsServer := infra.NewHTTPServerOn(cfg.MetricsPort, cfg, m.Handler())
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	pipeline := worker.NewPipeline(worker.Options{
		Reporter:  client,
		Transport: transport,
		Processor: worker.NewPlaceholder(cfg.WorkerStageDelay),
		Mirror:    mirror,
		Logger:    logger,
		Metrics:   m,
	})

	logger.Info().
		Str("queue", cfg.QueueDriver).
		Str("api_base", cfg.APIBase).
		Str("storage", cfg.WorkerStorage).
		Int("concurrency", cfg.WorkerConcurrency).
		Bool("mirror", mirror != nil).
		Msg("worker started")

	if err := pipeline.Run(ctx, broker, cfg.WorkerConcurrency); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info().Msg("worker stopped")
}
