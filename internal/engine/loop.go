package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-ai/kiln/internal/blob"
	"github.com/atelier-ai/kiln/internal/model"
	"github.com/atelier-ai/kiln/internal/provider/judge"
	"github.com/atelier-ai/kiln/internal/provider/optimize"
	"github.com/atelier-ai/kiln/internal/provider/synthesize"
	"github.com/atelier-ai/kiln/internal/telemetry"
)

// Store is the persistence surface the engine drives a request through.
// *storage.DB implements it.
type Store interface {
	GetRequestByID(ctx context.Context, id uuid.UUID) (model.GenerationRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.RequestStatus) error
	InsertImages(ctx context.Context, images []model.GeneratedImage) error
	AppendIteration(ctx context.Context, requestID uuid.UUID, snap model.IterationSnapshot) error
	AddCosts(ctx context.Context, id uuid.UUID, delta model.CostDelta) (model.Costs, error)
	FinalizeRequest(ctx context.Context, id uuid.UUID, status model.RequestStatus, reason model.CompletionReason, finalImageID *uuid.UUID, errMsg string) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	JudgeAgents(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]model.JudgeAgent, error)
	ClaimNextPending(ctx context.Context) (model.GenerationRequest, error)
	CountPending(ctx context.Context) (int64, error)
}

// Controller owns one claimed request's state machine for its lifetime and
// drives the optimize→generate→evaluate→decide cycle. Exactly one controller
// goroutine runs per request id; all mutation flows through the Store, so the
// single-writer rule holds as long as claims are exclusive.
type Controller struct {
	store       Store
	blobs       blob.Store
	optimizer   optimize.Provider
	synthesizer synthesize.Provider
	judges      judge.Provider
	logger      *slog.Logger

	evalParallelism int

	iterationCounter metric.Int64Counter
	terminalCounter  metric.Int64Counter
}

// NewController wires the engine's collaborators. evalParallelism bounds the
// concurrent (judge, candidate) evaluation calls per iteration; values < 1
// default to 4.
func NewController(store Store, blobs blob.Store, optimizer optimize.Provider, synthesizer synthesize.Provider, judges judge.Provider, evalParallelism int, logger *slog.Logger) *Controller {
	if evalParallelism < 1 {
		evalParallelism = 4
	}
	meter := telemetry.Meter("kiln/engine")
	iterations, _ := meter.Int64Counter("kiln.engine.iterations",
		metric.WithDescription("Completed optimize-generate-evaluate iterations"))
	terminals, _ := meter.Int64Counter("kiln.engine.terminal",
		metric.WithDescription("Requests reaching a terminal state, by reason"))

	return &Controller{
		store:            store,
		blobs:            blobs,
		optimizer:        optimizer,
		synthesizer:      synthesizer,
		judges:           judges,
		logger:           logger,
		evalParallelism:  evalParallelism,
		iterationCounter: iterations,
		terminalCounter:  terminals,
	}
}

// Run drives a claimed request until the completion resolver yields a
// terminal state. Provider failures are recorded on the request
// (FAILED/ERROR) rather than returned: the loop runs detached from any
// request/response cycle, and polling clients observe failures through
// status. Only storage-level failures propagate.
func (c *Controller) Run(ctx context.Context, req model.GenerationRequest) error {
	logger := c.logger.With("request_id", req.ID, "org_id", req.OrgID)

	// The claim returns the parent row only. Reload with history so a
	// continued request resumes with its full score series and feedback.
	if req.CurrentIteration > 0 && len(req.Iterations) == 0 {
		full, err := c.store.GetRequestByID(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("engine: load request history: %w", err)
		}
		req = full
	}

	judgeAgents, err := c.store.JudgeAgents(ctx, req.OrgID, req.JudgeIDs)
	if err != nil {
		return fmt.Errorf("engine: resolve judges: %w", err)
	}
	if len(judgeAgents) == 0 {
		return c.recordFailure(ctx, req.ID, fmt.Errorf("no judge agents resolve for request"), logger)
	}

	for {
		// Cooperative cancellation: observed between steps, never
		// preempting an in-flight provider call.
		cancelled, err := c.store.CancelRequested(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("engine: read cancel signal: %w", err)
		}
		if cancelled {
			return c.finalize(ctx, req.ID, Outcome{
				Terminal: true, Status: model.StatusCancelled, Reason: model.ReasonCancelled,
			}, logger)
		}

		iterNum := req.CurrentIteration + 1
		logger.Info("starting iteration", "iteration", iterNum, "max_iterations", req.MaxIterations)

		var usage model.CostDelta

		// OPTIMIZING
		if err := c.store.UpdateStatus(ctx, req.ID, model.StatusOptimizing); err != nil {
			return fmt.Errorf("engine: enter optimizing: %w", err)
		}
		prompt, optUsage, err := c.optimizePrompt(ctx, &req, iterNum, logger)
		usage.Add(optUsage)
		if err != nil {
			c.chargePartial(ctx, req.ID, usage, logger)
			return c.recordFailure(ctx, req.ID, err, logger)
		}

		// GENERATING
		if err := c.store.UpdateStatus(ctx, req.ID, model.StatusGenerating); err != nil {
			return fmt.Errorf("engine: enter generating: %w", err)
		}
		images, synthUsage, err := c.generateCandidates(ctx, &req, iterNum, prompt)
		usage.Add(synthUsage)
		if err != nil {
			c.chargePartial(ctx, req.ID, usage, logger)
			return c.recordFailure(ctx, req.ID, err, logger)
		}

		// EVALUATING
		if err := c.store.UpdateStatus(ctx, req.ID, model.StatusEvaluating); err != nil {
			return fmt.Errorf("engine: enter evaluating: %w", err)
		}
		evaluations, evalUsage, err := c.evaluateCandidates(ctx, &req, judgeAgents, images, prompt)
		usage.Add(evalUsage)
		if err != nil {
			c.chargePartial(ctx, req.ID, usage, logger)
			return c.recordFailure(ctx, req.ID, err, logger)
		}

		selectedID, aggregate := selectCandidate(images, evaluations)

		snap := model.IterationSnapshot{
			IterationNumber: iterNum,
			OptimizedPrompt: prompt,
			SelectedImageID: selectedID,
			AggregateScore:  aggregate,
			Evaluations:     evaluations,
			CreatedAt:       time.Now().UTC(),
		}
		if err := c.store.AppendIteration(ctx, req.ID, snap); err != nil {
			return fmt.Errorf("engine: append iteration %d: %w", iterNum, err)
		}
		if _, err := c.store.AddCosts(ctx, req.ID, usage); err != nil {
			return fmt.Errorf("engine: accumulate costs: %w", err)
		}
		req.Iterations = append(req.Iterations, snap)
		req.CurrentIteration = iterNum
		c.iterationCounter.Add(ctx, 1)
		logger.Info("iteration recorded", "iteration", iterNum, "score", aggregate, "candidates", len(images))

		cancelled, err = c.store.CancelRequested(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("engine: read cancel signal: %w", err)
		}
		if out := Resolve(req, cancelled); out.Terminal {
			return c.finalize(ctx, req.ID, out, logger)
		}
	}
}

// optimizePrompt runs the OPTIMIZING step. On the first iteration a failed
// or empty optimizer response falls back to the initial prompt (or the brief
// verbatim); on later iterations it is a provider failure.
func (c *Controller) optimizePrompt(ctx context.Context, req *model.GenerationRequest, iterNum int, logger *slog.Logger) (string, model.CostDelta, error) {
	optReq := optimize.Request{
		Brief:           req.Brief,
		InitialPrompt:   req.InitialPrompt,
		NegativePrompts: req.NegativePrompts,
	}
	if prev, ok := req.LatestIteration(); ok {
		fb := &optimize.Feedback{
			PreviousPrompt: prev.OptimizedPrompt,
			PreviousScore:  prev.AggregateScore,
		}
		for _, e := range prev.SelectedEvaluations() {
			if e.TopIssue != nil {
				fb.TopIssues = append(fb.TopIssues, *e.TopIssue)
			}
			fb.WhatWorked = append(fb.WhatWorked, e.WhatWorked...)
			fb.PromptInstructions = append(fb.PromptInstructions, e.PromptInstructions...)
		}
		optReq.Feedback = fb
	}

	res, err := c.optimizer.Optimize(ctx, optReq)
	if err != nil || res.Prompt == "" {
		if iterNum == 1 {
			fallback := req.InitialPrompt
			if fallback == "" {
				fallback = req.Brief
			}
			logger.Warn("optimizer unavailable on first iteration, using fallback prompt", "error", err)
			return fallback, res.Usage, nil
		}
		if err == nil {
			err = fmt.Errorf("optimizer returned empty prompt")
		}
		return "", res.Usage, fmt.Errorf("optimize iteration %d: %w", iterNum, err)
	}
	return res.Prompt, res.Usage, nil
}

// generateCandidates runs the GENERATING step: synthesis fan-out, blob
// upload, and candidate row persistence, tagged with the iteration number.
func (c *Controller) generateCandidates(ctx context.Context, req *model.GenerationRequest, iterNum int, prompt string) ([]model.GeneratedImage, model.CostDelta, error) {
	res, err := c.synthesizer.Generate(ctx, synthesize.Request{
		Prompt:          prompt,
		ReferenceImages: req.ReferenceImageURLs,
		NegativePrompts: req.NegativePrompts,
		Count:           req.ImageParams.ImagesPerGeneration,
		AspectRatio:     req.ImageParams.AspectRatio,
		Quality:         req.ImageParams.Quality,
	})
	if err != nil {
		return nil, res.Usage, fmt.Errorf("generate iteration %d: %w", iterNum, err)
	}

	images := make([]model.GeneratedImage, 0, len(res.Images))
	for i, img := range res.Images {
		id := uuid.New()
		key := fmt.Sprintf("%s/iter-%03d/%s%s", req.ID, iterNum, id, extensionFor(img.MimeType))
		url, err := c.blobs.Put(ctx, key, img.Bytes, img.MimeType)
		if err != nil {
			return nil, res.Usage, fmt.Errorf("store candidate %d of iteration %d: %w", i, iterNum, err)
		}
		images = append(images, model.GeneratedImage{
			ID:              id,
			RequestID:       req.ID,
			OrgID:           req.OrgID,
			IterationNumber: iterNum,
			StorageKey:      key,
			URL:             url,
			PromptUsed:      prompt,
			GenerationParams: map[string]any{
				"aspect_ratio": req.ImageParams.AspectRatio,
				"quality":      req.ImageParams.Quality,
			},
			Width:         img.Width,
			Height:        img.Height,
			MimeType:      img.MimeType,
			FileSizeBytes: int64(len(img.Bytes)),
			CreatedAt:     time.Now().UTC(),
		})
	}
	if err := c.store.InsertImages(ctx, images); err != nil {
		return nil, res.Usage, fmt.Errorf("persist candidates of iteration %d: %w", iterNum, err)
	}
	return images, res.Usage, nil
}

// evaluateCandidates runs the EVALUATING step: one judge call per
// (judge, candidate) pair, fanned out with bounded parallelism.
func (c *Controller) evaluateCandidates(ctx context.Context, req *model.GenerationRequest, judgeAgents []model.JudgeAgent, images []model.GeneratedImage, prompt string) ([]model.AgentEvaluationSnapshot, model.CostDelta, error) {
	evaluations := make([]model.AgentEvaluationSnapshot, len(judgeAgents)*len(images))
	usages := make([]model.CostDelta, len(evaluations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.evalParallelism)
	for ji, agent := range judgeAgents {
		for ii, img := range images {
			idx := ji*len(images) + ii
			g.Go(func() error {
				res, err := c.judges.Evaluate(gctx, judge.Request{
					Judge:    agent,
					ImageURL: img.URL,
					Brief:    req.Brief,
					Prompt:   prompt,
				})
				if err != nil {
					return fmt.Errorf("judge %s on candidate %s: %w", agent.Name, img.ID, err)
				}
				evaluations[idx] = model.AgentEvaluationSnapshot{
					AgentID:            agent.ID,
					AgentName:          agent.Name,
					ImageID:            img.ID,
					OverallScore:       res.Verdict.OverallScore,
					CategoryScores:     res.Verdict.CategoryScores,
					Feedback:           res.Verdict.Feedback,
					Weight:             agent.Weight,
					TopIssue:           res.Verdict.TopIssue,
					WhatWorked:         res.Verdict.WhatWorked,
					Checklist:          res.Verdict.Checklist,
					PromptInstructions: res.Verdict.PromptInstructions,
				}
				usages[idx] = res.Usage
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, model.CostDelta{}, fmt.Errorf("evaluate iteration %d: %w", req.CurrentIteration+1, err)
	}

	var usage model.CostDelta
	for _, u := range usages {
		usage.Add(u)
	}
	return evaluations, usage, nil
}

// selectCandidate picks the candidate with the highest weighted mean score
// across judges. Ties keep the earliest candidate. The winning mean becomes
// the iteration's aggregate score.
func selectCandidate(images []model.GeneratedImage, evaluations []model.AgentEvaluationSnapshot) (*uuid.UUID, float64) {
	byImage := make(map[uuid.UUID][]model.AgentEvaluationSnapshot, len(images))
	for _, e := range evaluations {
		byImage[e.ImageID] = append(byImage[e.ImageID], e)
	}

	var selected *uuid.UUID
	var best float64
	for _, img := range images {
		score := model.WeightedMean(byImage[img.ID])
		if selected == nil || score > best {
			id := img.ID
			selected = &id
			best = score
		}
	}
	return selected, best
}

// finalize persists a terminal outcome and bumps the terminal counter.
func (c *Controller) finalize(ctx context.Context, id uuid.UUID, out Outcome, logger *slog.Logger) error {
	if err := c.store.FinalizeRequest(ctx, id, out.Status, out.Reason, out.FinalImageID, ""); err != nil {
		return fmt.Errorf("engine: finalize: %w", err)
	}
	c.terminalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(out.Reason))))
	logger.Info("request terminal", "status", out.Status, "reason", out.Reason)
	return nil
}

// recordFailure lands a provider failure on the request as FAILED/ERROR.
// finalImageId stays unset on FAILED requests.
func (c *Controller) recordFailure(ctx context.Context, id uuid.UUID, cause error, logger *slog.Logger) error {
	logger.Error("iteration failed", "error", cause)
	if err := c.store.FinalizeRequest(ctx, id, model.StatusFailed, model.ReasonError, nil, cause.Error()); err != nil {
		return fmt.Errorf("engine: record failure: %w", err)
	}
	c.terminalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(model.ReasonError))))
	return nil
}

// chargePartial books usage already spent by an iteration attempt that will
// not be recorded. Costs are real even when the snapshot is not.
func (c *Controller) chargePartial(ctx context.Context, id uuid.UUID, usage model.CostDelta, logger *slog.Logger) {
	if usage == (model.CostDelta{}) {
		return
	}
	if _, err := c.store.AddCosts(ctx, id, usage); err != nil {
		logger.Warn("failed to record partial iteration costs", "error", err)
	}
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
