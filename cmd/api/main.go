package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fitstream-app/fitstream-backend/api/controllers"
	"github.com/fitstream-app/fitstream-backend/api/routes"
	"github.com/fitstream-app/fitstream-backend/internal/catalog"
	"github.com/fitstream-app/fitstream-backend/internal/transcode"
	"github.com/fitstream-app/fitstream-backend/internal/upload"
	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/db"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/metrics"
	"github.com/fitstream-app/fitstream-backend/pkg/migrate"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox"
	"github.com/fitstream-app/fitstream-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	chunkStore, err := upload.NewChunkStore(cfg.Storage.ChunkDir)
	if err != nil {
		logg.Error(context.Background(), "failed to prepare chunk storage", err)
		os.Exit(1)
	}

	uploadService, err := upload.NewService(upload.NewRepository(dbClient.DB()), chunkStore, logg, pipelineMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create upload service", err)
		os.Exit(1)
	}

	catalogService, err := catalog.NewService(
		catalog.NewRepository(dbClient.DB()),
		outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		dbClient,
		redisClient,
		logg,
		cfg.Pipeline,
		cfg.Storage.MediaBaseURL,
		"fitstream-api",
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	readiness := map[string]controllers.Pinger{
		"db":    dbClient,
		"redis": redisClient,
	}
	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			readiness,
			uploadService,
			catalogService,
			transcode.NewRepository(dbClient.DB()),
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
