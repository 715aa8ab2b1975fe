// Package judge provides candidate image evaluation.
//
// Judges are data, not subclasses: every judge agent is dispatched through
// the same Provider capability, parameterized by the agent's name, rubric,
// and weight. A verdict scores one (judge, image) pair against the brief.
package judge

import (
	"context"

	"github.com/atelier-ai/kiln/internal/model"
)

// Request is one evaluation call: one judge, one candidate, one brief.
type Request struct {
	Judge    model.JudgeAgent
	ImageURL string
	Brief    string
	Prompt   string // the optimized prompt the candidate was generated from
}

// Verdict is a judge's structured assessment of a candidate.
type Verdict struct {
	OverallScore       float64            `json:"overall_score"`
	CategoryScores     map[string]float64 `json:"category_scores,omitempty"`
	Feedback           string             `json:"feedback"`
	TopIssue           *model.TopIssue    `json:"top_issue,omitempty"`
	WhatWorked         []string           `json:"what_worked,omitempty"`
	Checklist          map[string]bool    `json:"checklist,omitempty"`
	PromptInstructions []string           `json:"prompt_instructions,omitempty"`
}

// Result carries the verdict plus usage for cost accounting.
type Result struct {
	Verdict Verdict
	Usage   model.CostDelta
}

// Provider evaluates candidates. Implementations must be safe for concurrent
// use; the engine fans out one call per (judge, candidate) pair.
type Provider interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}
