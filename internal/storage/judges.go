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

// CreateJudgeAgent inserts a judge agent into the registry.
func (db *DB) CreateJudgeAgent(ctx context.Context, agent model.JudgeAgent) (model.JudgeAgent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	if agent.Weight == 0 {
		agent.Weight = 1
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO judge_agents (id, org_id, name, capabilities, weight, rubric, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.ID, agent.OrgID, agent.Name, agent.Capabilities, agent.Weight,
		agent.Rubric, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.JudgeAgent{}, fmt.Errorf("storage: create judge agent: %w", err)
	}
	return agent, nil
}

// GetJudgeAgent retrieves one agent by ID, scoped to the given org.
func (db *DB) GetJudgeAgent(ctx context.Context, orgID, id uuid.UUID) (model.JudgeAgent, error) {
	var a model.JudgeAgent
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, name, capabilities, weight, rubric, created_at, updated_at
		 FROM judge_agents WHERE id = $1 AND org_id = $2`,
		id, orgID,
	).Scan(&a.ID, &a.OrgID, &a.Name, &a.Capabilities, &a.Weight, &a.Rubric, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JudgeAgent{}, ErrNotFound
		}
		return model.JudgeAgent{}, fmt.Errorf("storage: get judge agent: %w", err)
	}
	return a, nil
}

// JudgeAgents resolves a set of agent IDs within an org. IDs belonging to
// another org simply do not resolve; callers detect cross-tenant or unknown
// ids by comparing lengths.
func (db *DB) JudgeAgents(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]model.JudgeAgent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, name, capabilities, weight, rubric, created_at, updated_at
		 FROM judge_agents WHERE org_id = $1 AND id = ANY($2)`,
		orgID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve judge agents: %w", err)
	}
	defer rows.Close()

	var agents []model.JudgeAgent
	for rows.Next() {
		var a model.JudgeAgent
		if err := rows.Scan(&a.ID, &a.OrgID, &a.Name, &a.Capabilities, &a.Weight, &a.Rubric, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan judge agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
