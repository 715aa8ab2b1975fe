// Package requests is the lifecycle and query layer for generation requests:
// scoped create/find/get primitives, the pending-queue read the worker
// drives from, cancellation, and continuations.
//
// Creation-time validation is synchronous and surfaced to the caller;
// everything that happens after a worker claims a request surfaces through
// status instead.
package requests

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/atelier-ai/kiln/internal/auth"
	"github.com/atelier-ai/kiln/internal/ctxutil"
	"github.com/atelier-ai/kiln/internal/model"
	"github.com/atelier-ai/kiln/internal/storage"
)

// Store is the persistence surface this service needs. *storage.DB
// implements it.
type Store interface {
	CreateRequest(ctx context.Context, req model.GenerationRequest) (model.GenerationRequest, error)
	GetRequest(ctx context.Context, orgID, id uuid.UUID) (model.GenerationRequest, error)
	ListRequests(ctx context.Context, orgID uuid.UUID, filter storage.ListFilter) ([]model.GenerationRequest, int, error)
	PendingRequests(ctx context.Context) ([]model.GenerationRequest, error)
	GetImage(ctx context.Context, orgID, id uuid.UUID) (model.GeneratedImage, error)
	ListImages(ctx context.Context, orgID, requestID uuid.UUID, iteration *int) ([]model.GeneratedImage, error)
	JudgeAgents(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]model.JudgeAgent, error)
	PrepareForContinuation(ctx context.Context, orgID, id uuid.UUID, extraIterations int, newJudgeIDs []uuid.UUID) (model.GenerationRequest, error)
	RequestCancellation(ctx context.Context, orgID, id uuid.UUID) error
}

// ValidationError reports a rejected create or continuation input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Defaults fill in request parameters the caller omits.
type Defaults struct {
	MaxIterations       int
	ImagesPerGeneration int
	PlateauWindowSize   int
	PlateauThreshold    float64
}

// Service exposes the request lifecycle to the API layer and the worker.
type Service struct {
	store    Store
	defaults Defaults
	logger   *slog.Logger
}

// New creates the lifecycle service.
func New(store Store, defaults Defaults, logger *slog.Logger) *Service {
	return &Service{store: store, defaults: defaults, logger: logger}
}

// CreateSpec is the input to Create.
type CreateSpec struct {
	OrgID              uuid.UUID
	ProjectID          *uuid.UUID
	SpaceID            *uuid.UUID
	CreatedBy          *uuid.UUID
	Brief              string
	InitialPrompt      string
	ReferenceImageURLs []string
	NegativePrompts    []string
	JudgeIDs           []uuid.UUID
	ImageParams        model.ImageParams
	Threshold          float64
	MaxIterations      int
}

// Create validates the submission, resolves its judges against the org-scoped
// registry, and persists a new PENDING request with an empty history and
// zeroed costs.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (model.GenerationRequest, error) {
	if spec.OrgID == uuid.Nil {
		return model.GenerationRequest{}, &ValidationError{Field: "org_id", Message: "is required"}
	}
	if spec.Brief == "" {
		return model.GenerationRequest{}, &ValidationError{Field: "brief", Message: "is required"}
	}
	if len(spec.ReferenceImageURLs) == 0 {
		return model.GenerationRequest{}, &ValidationError{Field: "reference_image_urls", Message: "at least one is required"}
	}
	if len(spec.JudgeIDs) == 0 {
		return model.GenerationRequest{}, &ValidationError{Field: "judge_ids", Message: "at least one is required"}
	}
	if spec.Threshold < 0 || spec.Threshold > 100 {
		return model.GenerationRequest{}, &ValidationError{Field: "threshold", Message: "must be between 0 and 100"}
	}
	if spec.MaxIterations < 0 {
		return model.GenerationRequest{}, &ValidationError{Field: "max_iterations", Message: "must be at least 1"}
	}
	if err := s.validateJudges(ctx, spec.OrgID, spec.JudgeIDs); err != nil {
		return model.GenerationRequest{}, err
	}

	params := spec.ImageParams
	if params.ImagesPerGeneration <= 0 {
		params.ImagesPerGeneration = s.defaults.ImagesPerGeneration
	}
	if params.PlateauWindowSize <= 0 {
		params.PlateauWindowSize = s.defaults.PlateauWindowSize
	}
	if params.PlateauThreshold <= 0 {
		params.PlateauThreshold = s.defaults.PlateauThreshold
	}
	if params.AspectRatio == "" {
		params.AspectRatio = "1:1"
	}
	if params.Quality == "" {
		params.Quality = "standard"
	}
	maxIterations := spec.MaxIterations
	if maxIterations == 0 {
		maxIterations = s.defaults.MaxIterations
	}

	req, err := s.store.CreateRequest(ctx, model.GenerationRequest{
		OrgID:              spec.OrgID,
		ProjectID:          spec.ProjectID,
		SpaceID:            spec.SpaceID,
		CreatedBy:          spec.CreatedBy,
		Brief:              spec.Brief,
		InitialPrompt:      spec.InitialPrompt,
		ReferenceImageURLs: spec.ReferenceImageURLs,
		NegativePrompts:    spec.NegativePrompts,
		JudgeIDs:           spec.JudgeIDs,
		ImageParams:        params,
		Threshold:          spec.Threshold,
		MaxIterations:      maxIterations,
	})
	if err != nil {
		return model.GenerationRequest{}, err
	}
	s.logger.Info("generation request created", "request_id", req.ID, "org_id", req.OrgID, "judges", len(req.JudgeIDs))
	return req, nil
}

// validateJudges checks that every id resolves within the org to a
// judge-capable agent. Cross-tenant ids do not resolve and are
// indistinguishable from unknown ones.
func (s *Service) validateJudges(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	agents, err := s.store.JudgeAgents(ctx, orgID, ids)
	if err != nil {
		return err
	}
	if len(agents) != len(ids) {
		return &ValidationError{Field: "judge_ids", Message: "contains unknown or cross-organization agents"}
	}
	for _, a := range agents {
		if !a.CanJudge() {
			return &ValidationError{Field: "judge_ids", Message: fmt.Sprintf("agent %s is not judge-capable", a.ID)}
		}
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status    *model.RequestStatus
	ProjectID *uuid.UUID
	SpaceID   *uuid.UUID
	Limit     int
	Offset    int
}

// List returns an org's requests, newest first. When claims describe a
// non-privileged caller, results are restricted to requests that caller
// created, and the caller's own org always wins over the requested one.
// No matches is an empty result, never an error.
func (s *Service) List(ctx context.Context, orgID uuid.UUID, filter ListFilter, claims *auth.Claims) ([]model.GenerationRequest, int, error) {
	sf := storage.ListFilter{
		Status:    filter.Status,
		ProjectID: filter.ProjectID,
		SpaceID:   filter.SpaceID,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	}
	if claims != nil {
		orgID = claims.OrgID
		if !claims.Privileged() {
			userID := claims.UserID
			sf.CreatedBy = &userID
		}
	}
	return s.store.ListRequests(ctx, orgID, sf)
}

// ListForCaller is List with the principal taken from the request context,
// as populated by the embedding application's API layer.
func (s *Service) ListForCaller(ctx context.Context, filter ListFilter) ([]model.GenerationRequest, int, error) {
	return s.List(ctx, ctxutil.OrgIDFromContext(ctx), filter, ctxutil.ClaimsFromContext(ctx))
}

// Get returns one request with its full iteration history.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (model.GenerationRequest, error) {
	return s.store.GetRequest(ctx, orgID, id)
}

// Pending returns all PENDING requests in FIFO order. Worker-facing; claims
// happen separately and atomically.
func (s *Service) Pending(ctx context.Context) ([]model.GenerationRequest, error) {
	return s.store.PendingRequests(ctx)
}

// Image returns one generated candidate.
func (s *Service) Image(ctx context.Context, orgID, id uuid.UUID) (model.GeneratedImage, error) {
	return s.store.GetImage(ctx, orgID, id)
}

// Images returns a request's candidates, optionally for one iteration.
func (s *Service) Images(ctx context.Context, orgID, requestID uuid.UUID, iteration *int) ([]model.GeneratedImage, error) {
	return s.store.ListImages(ctx, orgID, requestID, iteration)
}

// Cancel sets the cooperative cancellation signal on a request.
func (s *Service) Cancel(ctx context.Context, orgID, id uuid.UUID) error {
	return s.store.RequestCancellation(ctx, orgID, id)
}

// Continue reopens a terminal request for extraIterations more rounds,
// optionally replacing its judge set. History and costs are preserved; the
// next run resumes numbering where the request stopped.
func (s *Service) Continue(ctx context.Context, orgID, id uuid.UUID, extraIterations int, newJudgeIDs []uuid.UUID) (model.GenerationRequest, error) {
	if extraIterations < 1 {
		return model.GenerationRequest{}, &ValidationError{Field: "extra_iterations", Message: "must be at least 1"}
	}
	if newJudgeIDs != nil {
		if len(newJudgeIDs) == 0 {
			return model.GenerationRequest{}, &ValidationError{Field: "judge_ids", Message: "at least one is required"}
		}
		if err := s.validateJudges(ctx, orgID, newJudgeIDs); err != nil {
			return model.GenerationRequest{}, err
		}
	}
	req, err := s.store.PrepareForContinuation(ctx, orgID, id, extraIterations, newJudgeIDs)
	if err != nil {
		return model.GenerationRequest{}, err
	}
	s.logger.Info("request reopened for continuation", "request_id", req.ID, "max_iterations", req.MaxIterations)
	return req, nil
}
