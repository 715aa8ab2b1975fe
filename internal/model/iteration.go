package model

import (
	"time"

	"github.com/google/uuid"
)

// TopIssue is the most important problem a judge found with a candidate,
// with a suggested fix that feeds the next optimization pass.
type TopIssue struct {
	Problem  string `json:"problem"`
	Severity string `json:"severity"`
	Fix      string `json:"fix"`
}

// AgentEvaluationSnapshot records one judge's verdict on one candidate image.
// Snapshots are embedded in the iteration row (jsonb) so an iteration is
// appended all-or-nothing.
type AgentEvaluationSnapshot struct {
	AgentID            uuid.UUID          `json:"agent_id"`
	AgentName          string             `json:"agent_name"`
	ImageID            uuid.UUID          `json:"image_id"`
	OverallScore       float64            `json:"overall_score"`
	CategoryScores     map[string]float64 `json:"category_scores,omitempty"`
	Feedback           string             `json:"feedback"`
	Weight             float64            `json:"weight"`
	TopIssue           *TopIssue          `json:"top_issue,omitempty"`
	WhatWorked         []string           `json:"what_worked,omitempty"`
	Checklist          map[string]bool    `json:"checklist,omitempty"`
	PromptInstructions []string           `json:"prompt_instructions,omitempty"`
}

// IterationSnapshot is one optimize→generate→evaluate cycle. Numbers are
// 1-based, dense, and strictly increasing within a request.
//
// AggregateScore is the weight-normalized mean of the selected candidate's
// evaluations (the maximum over candidates).
type IterationSnapshot struct {
	IterationNumber int                       `json:"iteration_number"`
	OptimizedPrompt string                    `json:"optimized_prompt"`
	SelectedImageID *uuid.UUID                `json:"selected_image_id,omitempty"`
	AggregateScore  float64                   `json:"aggregate_score"`
	Evaluations     []AgentEvaluationSnapshot `json:"evaluations"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// SelectedEvaluations returns the evaluations belonging to the iteration's
// selected candidate. Used to assemble optimizer feedback for the next pass.
func (s IterationSnapshot) SelectedEvaluations() []AgentEvaluationSnapshot {
	if s.SelectedImageID == nil {
		return nil
	}
	var out []AgentEvaluationSnapshot
	for _, e := range s.Evaluations {
		if e.ImageID == *s.SelectedImageID {
			out = append(out, e)
		}
	}
	return out
}

// WeightedMean computes the weight-normalized mean overall score of a set of
// evaluations. Returns 0 when the set is empty or all weights are zero.
func WeightedMean(evals []AgentEvaluationSnapshot) float64 {
	var sum, weights float64
	for _, e := range evals {
		sum += e.OverallScore * e.Weight
		weights += e.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}
