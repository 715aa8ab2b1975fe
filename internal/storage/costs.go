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

// AddCosts applies a usage delta to a request's running totals as a
// read-modify-write under a row lock: repeated calls are additive, never
// overwriting, so the totals are monotonically non-decreasing.
// total_estimated_cost is recomputed from the new totals via the injected
// pricing function. Returns the new totals.
//
// The transaction contends with the append transaction for the same row
// lock, so transient conflicts are retried.
func (db *DB) AddCosts(ctx context.Context, id uuid.UUID, delta model.CostDelta) (model.Costs, error) {
	var costs model.Costs
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		costs, err = db.addCostsTx(ctx, id, delta)
		return err
	})
	return costs, err
}

func (db *DB) addCostsTx(ctx context.Context, id uuid.UUID, delta model.CostDelta) (model.Costs, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Costs{}, fmt.Errorf("storage: begin costs tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var costs model.Costs
	err = tx.QueryRow(ctx,
		`SELECT cost_llm_tokens, cost_image_generations, cost_embedding_tokens
		 FROM generation_requests WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&costs.LLMTokens, &costs.ImageGenerations, &costs.EmbeddingTokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Costs{}, ErrNotFound
		}
		return model.Costs{}, fmt.Errorf("storage: lock request for costs: %w", err)
	}

	costs.LLMTokens += delta.LLMTokens
	costs.ImageGenerations += delta.ImageGenerations
	costs.EmbeddingTokens += delta.EmbeddingTokens
	costs.TotalEstimatedCost = db.pricer(costs)

	if _, err := tx.Exec(ctx,
		`UPDATE generation_requests
		 SET cost_llm_tokens = $1, cost_image_generations = $2, cost_embedding_tokens = $3, total_estimated_cost = $4
		 WHERE id = $5`,
		costs.LLMTokens, costs.ImageGenerations, costs.EmbeddingTokens, costs.TotalEstimatedCost, id,
	); err != nil {
		return model.Costs{}, fmt.Errorf("storage: update costs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Costs{}, fmt.Errorf("storage: commit costs tx: %w", err)
	}
	return costs, nil
}
