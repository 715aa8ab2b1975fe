package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atelier-ai/kiln/internal/model"
)

// AppendIteration records one completed optimize→generate→evaluate cycle
// atomically: the parent row's current_iteration is bumped and the child row
// inserted in one transaction, so an iteration is either fully recorded with
// a score or not recorded at all.
//
// The parent update is conditional on the request being active and on
// snap.IterationNumber being exactly current_iteration + 1; a mismatch means
// another writer touched the request and the append is rejected rather than
// corrupting the dense numbering.
func (db *DB) AppendIteration(ctx context.Context, requestID uuid.UUID, snap model.IterationSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int
	var status model.RequestStatus
	err = tx.QueryRow(ctx,
		`SELECT current_iteration, status FROM generation_requests WHERE id = $1 FOR UPDATE`,
		requestID,
	).Scan(&current, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock request for append: %w", err)
	}
	if status.Terminal() {
		return ErrTerminal
	}
	if snap.IterationNumber != current+1 {
		return fmt.Errorf("storage: iteration number %d does not follow current iteration %d",
			snap.IterationNumber, current)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO request_iterations (request_id, iteration_number, optimized_prompt, selected_image_id, aggregate_score, evaluations, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		requestID, snap.IterationNumber, snap.OptimizedPrompt, snap.SelectedImageID,
		snap.AggregateScore, snap.Evaluations, snap.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert iteration: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE generation_requests SET current_iteration = $1 WHERE id = $2`,
		snap.IterationNumber, requestID,
	); err != nil {
		return fmt.Errorf("storage: bump current iteration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit append tx: %w", err)
	}
	return nil
}

// ListIterations returns a request's full history in iteration order.
func (db *DB) ListIterations(ctx context.Context, requestID uuid.UUID) ([]model.IterationSnapshot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT iteration_number, optimized_prompt, selected_image_id, aggregate_score, evaluations, created_at
		 FROM request_iterations
		 WHERE request_id = $1
		 ORDER BY iteration_number ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list iterations: %w", err)
	}
	defer rows.Close()

	var iterations []model.IterationSnapshot
	for rows.Next() {
		var s model.IterationSnapshot
		if err := rows.Scan(
			&s.IterationNumber, &s.OptimizedPrompt, &s.SelectedImageID,
			&s.AggregateScore, &s.Evaluations, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan iteration: %w", err)
		}
		iterations = append(iterations, s)
	}
	return iterations, rows.Err()
}
