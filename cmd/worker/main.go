package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fitstream-app/fitstream-backend/internal/catalog"
	"github.com/fitstream-app/fitstream-backend/internal/dispatch"
	"github.com/fitstream-app/fitstream-backend/internal/ingest"
	"github.com/fitstream-app/fitstream-backend/internal/transcode"
	"github.com/fitstream-app/fitstream-backend/internal/upload"
	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/db"
	"github.com/fitstream-app/fitstream-backend/pkg/enums"
	"github.com/fitstream-app/fitstream-backend/pkg/instance"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/metrics"
	"github.com/fitstream-app/fitstream-backend/pkg/migrate"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox"
	"github.com/fitstream-app/fitstream-backend/pkg/redis"
)

const producer = "fitstream-worker"

// catalogRecorder bridges the dispatcher's input type onto the catalog
// service without the dispatcher importing it.
type catalogRecorder struct {
	svc catalog.Service
}

func (c catalogRecorder) RecordSuccess(ctx context.Context, input dispatch.RecordSuccessInput) error {
	return c.svc.RecordSuccess(ctx, catalog.RecordSuccessInput{
		AssetID:    input.AssetID,
		JobID:      input.JobID,
		Quality:    input.Quality,
		Path:       input.Path,
		SizeBytes:  input.SizeBytes,
		Resolution: input.Resolution,
		Bitrate:    input.Bitrate,
	})
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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

	qualities, err := enums.ParseQualities(cfg.Pipeline.Qualities)
	if err != nil {
		logg.Error(context.Background(), "invalid quality ladder", err)
		os.Exit(1)
	}

	chunkStore, err := upload.NewChunkStore(cfg.Storage.ChunkDir)
	if err != nil {
		logg.Error(context.Background(), "failed to prepare chunk storage", err)
		os.Exit(1)
	}
	assembler, err := upload.NewAssembler(chunkStore, cfg.Storage.MediaDir)
	if err != nil {
		logg.Error(context.Background(), "failed to create assembler", err)
		os.Exit(1)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	uploadsRepo := upload.NewRepository(dbClient.DB())
	jobsRepo := transcode.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	catalogService, err := catalog.NewService(
		catalog.NewRepository(dbClient.DB()),
		outboxService,
		dbClient,
		redisClient,
		logg,
		cfg.Pipeline,
		cfg.Storage.MediaBaseURL,
		producer,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog service", err)
		os.Exit(1)
	}

	pipeline, err := ingest.NewPipeline(ingest.PipelineParams{
		Uploads:   uploadsRepo,
		Assembler: assembler,
		Verifier:  upload.IntegrityVerifier{},
		Prober:    ingest.FFprobeProber{},
		Jobs:      jobsRepo,
		Outbox:    outboxService,
		Tx:        dbClient,
		Logger:    logg,
		Metrics:   pipelineMetrics,
		Qualities: qualities,
		Producer:  producer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ingest pipeline", err)
		os.Exit(1)
	}

	transcoder, err := transcode.NewTranscoder(transcode.FFmpegRunner{}, cfg.Storage.MediaDir)
	if err != nil {
		logg.Error(context.Background(), "failed to create transcoder", err)
		os.Exit(1)
	}

	dispatcher, err := dispatch.New(dispatch.Params{
		Uploads:  uploadsRepo,
		Pipeline: pipeline,
		Jobs:     jobsRepo,
		Executor: transcoder,
		Catalog:  catalogRecorder{svc: catalogService},
		Outbox:   outboxService,
		Tx:       dbClient,
		Logger:   logg,
		Metrics:  pipelineMetrics,
		Config:   cfg.Pipeline,
		Producer: producer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatcher", err)
		os.Exit(1)
	}

	sweeper, err := dispatch.NewSweeper(jobsRepo, uploadsRepo, redisClient, logg, pipelineMetrics, cfg.Pipeline, instance.GetID())
	if err != nil {
		logg.Error(context.Background(), "failed to create sweeper", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting pipeline worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
