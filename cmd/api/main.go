package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mapxion/internal/adapter/repo"
	"mapxion/internal/domain"
	"mapxion/internal/http/handlers"
	httpapi "mapxion/internal/http/httpapi"
	"mapxion/internal/infra"
	"mapxion/internal/infra/geoip"
	"mapxion/internal/metrics"
	"mapxion/internal/queue"
	"mapxion/internal/service"
	"mapxion/internal/storage"
)

var version = "dev"

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api", cfg.LogLevel)
	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	jobs, closeStore, err := openStore(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open job store")
	}
	defer closeStore()

	files, err := storage.NewFileArea(cfg.DataRoot)
	if err != nil {
		logger.Fatal().Err(err).Str("data_root", cfg.DataRoot).Msg("failed to prepare data root")
	}

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
	go reportQueue(ctx, broker, m, cfg.QueueHealthInterval)

	lc := service.NewLifecycle(jobs, files, logger, m)
	dispatcher := service.NewDispatcher(lc, broker, cfg.PricePerUnit, logger, m)
	app := handlers.NewApp(cfg, logger, lc, dispatcher, m, version)

	countries, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	if countries != nil {
		defer countries.Close()
		app.Countries = countries
	}
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("queue", cfg.QueueDriver).
			Str("data_root", files.Root()).
			Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// openStore picks the embedded SQLite store for sqlite: URLs and Postgres
// otherwise.
func openStore(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, m *metrics.Metrics) (domain.JobRepository, func(), error) {
	if infra.IsSQLiteURL(cfg.DatabaseURL) {
		store, err := repo.OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	runner := infra.NewSQLRunner(pool, logger, m)
	if err := infra.EnsureSchema(ctx, runner); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo.NewJobRepository(runner), pool.Close, nil
}

func reportQueue(ctx context.Context, q queue.WorkQueue, m *metrics.Metrics, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		m.SetQueueReady(q.Ready())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
