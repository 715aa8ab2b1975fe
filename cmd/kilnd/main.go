// Command kilnd runs the Kiln generation worker: it claims pending
// generation requests and drives each one through the
// optimize→generate→evaluate loop until a stopping rule fires.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/atelier-ai/kiln/internal/blob"
	"github.com/atelier-ai/kiln/internal/config"
	"github.com/atelier-ai/kiln/internal/engine"
	"github.com/atelier-ai/kiln/internal/provider/judge"
	"github.com/atelier-ai/kiln/internal/provider/optimize"
	"github.com/atelier-ai/kiln/internal/provider/synthesize"
	"github.com/atelier-ai/kiln/internal/service/pricing"
	"github.com/atelier-ai/kiln/internal/service/requests"
	"github.com/atelier-ai/kiln/internal/storage"
	"github.com/atelier-ai/kiln/internal/telemetry"
	"github.com/atelier-ai/kiln/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KILN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}

	slog.Info("kilnd starting", "version", version, "concurrency", cfg.WorkerConcurrency)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()
	db.SetPricer(pricing.Table(pricing.Rates{
		LLMPer1KTokens:       cfg.PriceLLMPer1K,
		PerImageGeneration:   cfg.PricePerImage,
		EmbeddingPer1KTokens: cfg.PriceEmbeddingPer1K,
	}))

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify the core table exists after migration so a broken schema fails
	// loudly at startup rather than on the first claim.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'generation_requests')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return errors.New("critical table 'generation_requests' does not exist after migration")
	}

	// Select the blob backend: S3 when a bucket is configured, in-memory
	// otherwise. Memory is for local development only; generated image bytes
	// do not survive a restart.
	var blobs blob.Store
	if cfg.S3Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix, cfg.ImageBaseURL)
		if err != nil {
			return fmt.Errorf("blob: %w", err)
		}
		blobs = s3Store
		logger.Info("blob storage: s3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	} else {
		blobs = blob.NewMemoryStore()
		logger.Warn("blob storage: in-memory (no KILN_S3_BUCKET configured)")
	}

	optimizer := optimize.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OptimizerModel)
	synthesizer := synthesize.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ImageModel)
	judges := judge.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.JudgeModel)

	// Report the backlog this worker is starting against.
	svc := requests.New(db, requests.Defaults{
		MaxIterations:       cfg.DefaultMaxIterations,
		ImagesPerGeneration: cfg.DefaultImagesPerRound,
		PlateauWindowSize:   cfg.DefaultPlateauWindow,
		PlateauThreshold:    cfg.DefaultPlateauEpsilon,
	}, logger)
	if backlog, err := svc.Pending(ctx); err != nil {
		logger.Warn("pending backlog check failed", "error", err)
	} else {
		logger.Info("pending backlog", "count", len(backlog))
	}

	controller := engine.NewController(db, blobs, optimizer, synthesizer, judges, cfg.EvalParallelism, logger)
	worker := engine.NewWorker(db, controller, cfg.WorkerPollInterval, cfg.WorkerConcurrency, logger)
	worker.Start(ctx)

	// Wake the worker on pending-queue notifications instead of waiting out
	// the poll interval.
	if db.HasNotifyConn() {
		if err := db.Listen(ctx, storage.ChannelPending); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		go notifyLoop(ctx, db, worker, logger)
		logger.Info("pending-queue notifications: enabled")
	} else {
		logger.Info("pending-queue notifications: disabled (no NOTIFY_URL), relying on poll interval")
	}

	<-ctx.Done()
	slog.Info("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	worker.Drain(drainCtx)

	slog.Info("shutdown complete")
	return nil
}

// notifyLoop forwards LISTEN notifications to the worker until the context
// ends. Wait errors are expected at shutdown and logged at debug otherwise.
func notifyLoop(ctx context.Context, db *storage.DB, worker *engine.Worker, logger *slog.Logger) {
	for {
		channel, _, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("notification wait failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if channel == storage.ChannelPending {
			worker.Wake()
		}
	}
}
