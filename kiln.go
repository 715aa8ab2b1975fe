// Package kiln is the public API for embedding the Kiln generation worker.
//
// Consumers import this package to run the worker inside a larger process
// and to submit and observe generation requests without talking to the
// database directly:
//
//	app, err := kiln.New(
//	    kiln.WithVersion(version),
//	    kiln.WithLogger(logger),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//	id, err := app.Submit(ctx, kiln.Submission{...})
//
// The import graph enforces a strict no-cycle rule: kiln (root) imports
// internal/*, but internal/* never imports kiln (root). Public types
// (Request, Submission) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/atelier-ai/kiln/internal/blob"
	"github.com/atelier-ai/kiln/internal/config"
	"github.com/atelier-ai/kiln/internal/engine"
	"github.com/atelier-ai/kiln/internal/model"
	"github.com/atelier-ai/kiln/internal/provider/judge"
	"github.com/atelier-ai/kiln/internal/provider/optimize"
	"github.com/atelier-ai/kiln/internal/provider/synthesize"
	"github.com/atelier-ai/kiln/internal/service/pricing"
	"github.com/atelier-ai/kiln/internal/service/requests"
	"github.com/atelier-ai/kiln/internal/storage"
	"github.com/atelier-ai/kiln/internal/telemetry"
	"github.com/atelier-ai/kiln/migrations"
)

// App is the Kiln worker lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	svc          *requests.Service
	worker       *engine.Worker
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kiln worker. It connects to the database, runs
// migrations, and wires all subsystems. It does NOT start any goroutines —
// call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.concurrency > 0 {
		cfg.WorkerConcurrency = o.concurrency
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiln starting", "version", version, "concurrency", cfg.WorkerConcurrency)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if o.pricing != nil {
		db.SetPricer(func(c model.Costs) float64 {
			return o.pricing(Usage{
				LLMTokens:        c.LLMTokens,
				ImageGenerations: c.ImageGenerations,
				EmbeddingTokens:  c.EmbeddingTokens,
			})
		})
	} else {
		db.SetPricer(pricing.Table(pricing.Rates{
			LLMPer1KTokens:       cfg.PriceLLMPer1K,
			PerImageGeneration:   cfg.PricePerImage,
			EmbeddingPer1KTokens: cfg.PriceEmbeddingPer1K,
		}))
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	var blobs blob.Store
	switch {
	case o.blobStore != nil:
		blobs = blobAdapter{o.blobStore}
	case cfg.S3Bucket != "":
		s3Store, err := blob.NewS3Store(context.Background(), cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix, cfg.ImageBaseURL)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("blob: %w", err)
		}
		blobs = s3Store
	default:
		blobs = blob.NewMemoryStore()
		logger.Warn("blob storage: in-memory (no KILN_S3_BUCKET configured)")
	}

	optimizer := optimize.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OptimizerModel)
	synthesizer := synthesize.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ImageModel)
	judges := judge.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.JudgeModel)

	svc := requests.New(db, requests.Defaults{
		MaxIterations:       cfg.DefaultMaxIterations,
		ImagesPerGeneration: cfg.DefaultImagesPerRound,
		PlateauWindowSize:   cfg.DefaultPlateauWindow,
		PlateauThreshold:    cfg.DefaultPlateauEpsilon,
	}, logger)

	controller := engine.NewController(db, blobs, optimizer, synthesizer, judges, cfg.EvalParallelism, logger)
	worker := engine.NewWorker(db, controller, cfg.WorkerPollInterval, cfg.WorkerConcurrency, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		svc:          svc,
		worker:       worker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the worker and blocks until ctx is cancelled, then drains
// in-flight requests and releases all resources. Call at most once.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	if a.db.HasNotifyConn() {
		if err := a.db.Listen(ctx, storage.ChannelPending); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		go a.notifyLoop(ctx)
	}

	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.worker.Drain(drainCtx)

	a.db.Close(context.Background())
	return a.otelShutdown(context.Background())
}

func (a *App) notifyLoop(ctx context.Context) {
	for {
		channel, _, err := a.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		if channel == storage.ChannelPending {
			a.worker.Wake()
		}
	}
}

// Submission describes a new generation request.
type Submission struct {
	OrgID              uuid.UUID
	ProjectID          *uuid.UUID
	SpaceID            *uuid.UUID
	CreatedBy          *uuid.UUID
	Brief              string
	InitialPrompt      string
	ReferenceImageURLs []string
	NegativePrompts    []string
	JudgeIDs           []uuid.UUID
	Threshold          float64
	MaxIterations      int // 0 uses the configured default
}

// Request is the public view of a generation request's progress.
type Request struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	Status           string
	CurrentIteration int
	MaxIterations    int
	BestScore        float64
	CompletionReason string
	FinalImageID     *uuid.UUID
	ErrorMessage     string
	EstimatedCost    float64
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

func toPublicRequest(r model.GenerationRequest) Request {
	out := Request{
		ID:               r.ID,
		OrgID:            r.OrgID,
		Status:           string(r.Status),
		CurrentIteration: r.CurrentIteration,
		MaxIterations:    r.MaxIterations,
		BestScore:        engine.BestScore(r.Iterations),
		FinalImageID:     r.FinalImageID,
		EstimatedCost:    r.Costs.TotalEstimatedCost,
		CreatedAt:        r.CreatedAt,
		CompletedAt:      r.CompletedAt,
	}
	if r.CompletionReason != nil {
		out.CompletionReason = string(*r.CompletionReason)
	}
	if r.ErrorMessage != nil {
		out.ErrorMessage = *r.ErrorMessage
	}
	return out
}

// Submit creates a new PENDING generation request and returns its id. The
// running worker picks it up via LISTEN/NOTIFY or the next poll.
func (a *App) Submit(ctx context.Context, sub Submission) (uuid.UUID, error) {
	req, err := a.svc.Create(ctx, requests.CreateSpec{
		OrgID:              sub.OrgID,
		ProjectID:          sub.ProjectID,
		SpaceID:            sub.SpaceID,
		CreatedBy:          sub.CreatedBy,
		Brief:              sub.Brief,
		InitialPrompt:      sub.InitialPrompt,
		ReferenceImageURLs: sub.ReferenceImageURLs,
		NegativePrompts:    sub.NegativePrompts,
		JudgeIDs:           sub.JudgeIDs,
		Threshold:          sub.Threshold,
		MaxIterations:      sub.MaxIterations,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return req.ID, nil
}

// Status returns the current state of a request, org-scoped.
func (a *App) Status(ctx context.Context, orgID, id uuid.UUID) (Request, error) {
	req, err := a.svc.Get(ctx, orgID, id)
	if err != nil {
		return Request{}, err
	}
	return toPublicRequest(req), nil
}

// Cancel sets the cooperative cancellation signal on a request. The loop
// observes it between steps; in-flight provider calls finish first.
func (a *App) Cancel(ctx context.Context, orgID, id uuid.UUID) error {
	return a.svc.Cancel(ctx, orgID, id)
}

// Continue reopens a terminal request for extraIterations more rounds.
func (a *App) Continue(ctx context.Context, orgID, id uuid.UUID, extraIterations int) (Request, error) {
	req, err := a.svc.Continue(ctx, orgID, id, extraIterations, nil)
	if err != nil {
		return Request{}, err
	}
	return toPublicRequest(req), nil
}

// blobAdapter bridges the public BlobStore to the internal contract.
type blobAdapter struct {
	inner BlobStore
}

func (b blobAdapter) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return b.inner.Put(ctx, key, data, contentType)
}
