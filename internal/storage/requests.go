package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelier-ai/kiln/internal/model"
)

const requestColumns = `id, org_id, project_id, space_id, created_by, brief, initial_prompt,
	reference_image_urls, negative_prompts, judge_ids,
	aspect_ratio, quality, images_per_generation, plateau_window_size, plateau_threshold,
	threshold, max_iterations, status, current_iteration,
	final_image_id, completion_reason, error_message, cancel_requested,
	cost_llm_tokens, cost_image_generations, cost_embedding_tokens, total_estimated_cost,
	created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (model.GenerationRequest, error) {
	var r model.GenerationRequest
	err := row.Scan(
		&r.ID, &r.OrgID, &r.ProjectID, &r.SpaceID, &r.CreatedBy, &r.Brief, &r.InitialPrompt,
		&r.ReferenceImageURLs, &r.NegativePrompts, &r.JudgeIDs,
		&r.ImageParams.AspectRatio, &r.ImageParams.Quality, &r.ImageParams.ImagesPerGeneration,
		&r.ImageParams.PlateauWindowSize, &r.ImageParams.PlateauThreshold,
		&r.Threshold, &r.MaxIterations, &r.Status, &r.CurrentIteration,
		&r.FinalImageID, &r.CompletionReason, &r.ErrorMessage, &r.CancelRequested,
		&r.Costs.LLMTokens, &r.Costs.ImageGenerations, &r.Costs.EmbeddingTokens, &r.Costs.TotalEstimatedCost,
		&r.CreatedAt, &r.CompletedAt,
	)
	return r, err
}

// CreateRequest inserts a new PENDING request with an empty history and
// zeroed costs, then notifies workers that pending work exists.
func (db *DB) CreateRequest(ctx context.Context, req model.GenerationRequest) (model.GenerationRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Status = model.StatusPending
	req.CurrentIteration = 0
	req.Costs = model.Costs{}
	req.CreatedAt = time.Now().UTC()
	if req.ReferenceImageURLs == nil {
		req.ReferenceImageURLs = []string{}
	}
	if req.NegativePrompts == nil {
		req.NegativePrompts = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO generation_requests (
			id, org_id, project_id, space_id, created_by, brief, initial_prompt,
			reference_image_urls, negative_prompts, judge_ids,
			aspect_ratio, quality, images_per_generation, plateau_window_size, plateau_threshold,
			threshold, max_iterations, status, current_iteration, cancel_requested,
			cost_llm_tokens, cost_image_generations, cost_embedding_tokens, total_estimated_cost,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 0, false, 0, 0, 0, 0, $19)`,
		req.ID, req.OrgID, req.ProjectID, req.SpaceID, req.CreatedBy, req.Brief, req.InitialPrompt,
		req.ReferenceImageURLs, req.NegativePrompts, req.JudgeIDs,
		req.ImageParams.AspectRatio, req.ImageParams.Quality, req.ImageParams.ImagesPerGeneration,
		req.ImageParams.PlateauWindowSize, req.ImageParams.PlateauThreshold,
		req.Threshold, req.MaxIterations, string(model.StatusPending), req.CreatedAt,
	)
	if err != nil {
		return model.GenerationRequest{}, fmt.Errorf("storage: create request: %w", err)
	}

	if err := db.Notify(ctx, ChannelPending, req.ID.String()); err != nil {
		db.logger.Warn("storage: notify pending", "error", err, "request_id", req.ID)
	}
	return req, nil
}

// GetRequest retrieves a request by ID, scoped to the given org, with its
// full iteration history loaded.
func (db *DB) GetRequest(ctx context.Context, orgID, id uuid.UUID) (model.GenerationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM generation_requests WHERE id = $1 AND org_id = $2`,
		id, orgID,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GenerationRequest{}, ErrNotFound
		}
		return model.GenerationRequest{}, fmt.Errorf("storage: get request: %w", err)
	}
	req.Iterations, err = db.ListIterations(ctx, req.ID)
	if err != nil {
		return model.GenerationRequest{}, err
	}
	return req, nil
}

// GetRequestByID retrieves a request without tenant scoping, with history.
// For worker use only; the query surface goes through GetRequest.
func (db *DB) GetRequestByID(ctx context.Context, id uuid.UUID) (model.GenerationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM generation_requests WHERE id = $1`, id,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GenerationRequest{}, ErrNotFound
		}
		return model.GenerationRequest{}, fmt.Errorf("storage: get request by id: %w", err)
	}
	req.Iterations, err = db.ListIterations(ctx, req.ID)
	if err != nil {
		return model.GenerationRequest{}, err
	}
	return req, nil
}

// ListFilter narrows ListRequests. Nil fields match everything.
type ListFilter struct {
	Status    *model.RequestStatus
	ProjectID *uuid.UUID
	SpaceID   *uuid.UUID
	CreatedBy *uuid.UUID // set by the service layer for non-privileged callers
	Limit     int
	Offset    int
}

// ListRequests returns requests for an org, newest first, without iteration
// history. A filter that matches nothing yields an empty slice, not an error.
func (db *DB) ListRequests(ctx context.Context, orgID uuid.UUID, filter ListFilter) ([]model.GenerationRequest, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	where := []string{"org_id = $1"}
	args := []any{orgID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.SpaceID != nil {
		args = append(args, *filter.SpaceID)
		where = append(where, fmt.Sprintf("space_id = $%d", len(args)))
	}
	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		where = append(where, fmt.Sprintf("created_by = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM generation_requests WHERE `+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count requests: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM generation_requests WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, requestColumns, cond, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list requests: %w", err)
	}
	defer rows.Close()

	var requests []model.GenerationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, total, rows.Err()
}

// PendingRequests returns all PENDING requests ordered by created_at
// ascending — the FIFO contract workers poll for new work. History is not
// loaded; a worker claims a row before driving it.
func (db *DB) PendingRequests(ctx context.Context) ([]model.GenerationRequest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM generation_requests
		 WHERE status = $1
		 ORDER BY created_at ASC`,
		string(model.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending requests: %w", err)
	}
	defer rows.Close()

	var requests []model.GenerationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan pending request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// CountPending returns the pending-queue depth. Exported as an OTEL gauge by
// the worker.
func (db *DB) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM generation_requests WHERE status = $1`,
		string(model.StatusPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending: %w", err)
	}
	return n, nil
}

// ClaimNextPending atomically claims the oldest PENDING request by moving it
// to OPTIMIZING. Exactly one claimant wins a given row: the conditional
// update takes a row lock and concurrent claimants skip locked rows. Returns
// ErrNoPending when nothing was claimed. Only the parent row is returned;
// the engine reloads history when it needs it (continued requests).
func (db *DB) ClaimNextPending(ctx context.Context) (model.GenerationRequest, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE generation_requests SET status = $1
		 WHERE id = (
			SELECT id FROM generation_requests
			WHERE status = $2
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+requestColumns,
		string(model.StatusOptimizing), string(model.StatusPending),
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GenerationRequest{}, ErrNoPending
		}
		return model.GenerationRequest{}, fmt.Errorf("storage: claim pending: %w", err)
	}
	return req, nil
}

// UpdateStatus sets the request status, stamping completed_at when the new
// status is terminal. This is intentionally a low-level setter: transition
// legality is the loop controller's discipline, not the storage layer's.
func (db *DB) UpdateStatus(ctx context.Context, id uuid.UUID, status model.RequestStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE generation_requests
		 SET status = $1,
		     completed_at = CASE WHEN $2 THEN now() ELSE completed_at END
		 WHERE id = $3`,
		string(status), status.Terminal(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeRequest records a terminal outcome: status, completion reason,
// final image (nil except on COMPLETED), truncated error message, and
// completed_at.
func (db *DB) FinalizeRequest(ctx context.Context, id uuid.UUID, status model.RequestStatus, reason model.CompletionReason, finalImageID *uuid.UUID, errMsg string) error {
	var msg *string
	if errMsg != "" {
		truncated := model.TruncateError(errMsg)
		msg = &truncated
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE generation_requests
		 SET status = $1, completion_reason = $2, final_image_id = $3, error_message = $4, completed_at = now()
		 WHERE id = $5`,
		string(status), string(reason), finalImageID, msg, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finalize request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancellation sets the cooperative cancellation signal. The loop
// controller observes it between steps; an in-flight provider call is never
// preempted.
func (db *DB) RequestCancellation(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE generation_requests SET cancel_requested = true WHERE id = $1 AND org_id = $2`,
		id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: request cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reads the cancellation signal.
func (db *DB) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM generation_requests WHERE id = $1`, id,
	).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("storage: cancel requested: %w", err)
	}
	return cancelled, nil
}

// PrepareForContinuation reopens a terminal request for more iterations:
// status returns to PENDING, the iteration budget grows by extraIterations,
// and the terminal markers (completed_at, final_image_id, completion_reason,
// error_message, cancel_requested) are cleared. History, the iteration
// counter, and costs are preserved unchanged; judge_ids are replaced
// wholesale when newJudgeIDs is non-nil. Returns ErrNotTerminal when the
// request is still active.
func (db *DB) PrepareForContinuation(ctx context.Context, orgID, id uuid.UUID, extraIterations int, newJudgeIDs []uuid.UUID) (model.GenerationRequest, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.GenerationRequest{}, fmt.Errorf("storage: begin continuation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status model.RequestStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM generation_requests WHERE id = $1 AND org_id = $2 FOR UPDATE`,
		id, orgID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GenerationRequest{}, ErrNotFound
		}
		return model.GenerationRequest{}, fmt.Errorf("storage: lock request for continuation: %w", err)
	}
	if !status.Terminal() {
		return model.GenerationRequest{}, ErrNotTerminal
	}

	row := tx.QueryRow(ctx,
		`UPDATE generation_requests
		 SET status = $1,
		     max_iterations = max_iterations + $2,
		     judge_ids = COALESCE($3, judge_ids),
		     completed_at = NULL,
		     final_image_id = NULL,
		     completion_reason = NULL,
		     error_message = NULL,
		     cancel_requested = false
		 WHERE id = $4
		 RETURNING `+requestColumns,
		string(model.StatusPending), extraIterations, newJudgeIDs, id,
	)
	req, err := scanRequest(row)
	if err != nil {
		return model.GenerationRequest{}, fmt.Errorf("storage: continuation update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.GenerationRequest{}, fmt.Errorf("storage: commit continuation tx: %w", err)
	}

	req.Iterations, err = db.ListIterations(ctx, req.ID)
	if err != nil {
		return model.GenerationRequest{}, err
	}

	if err := db.Notify(ctx, ChannelPending, req.ID.String()); err != nil {
		db.logger.Warn("storage: notify pending after continuation", "error", err, "request_id", req.ID)
	}
	return req, nil
}
