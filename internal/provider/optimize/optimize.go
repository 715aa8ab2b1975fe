// Package optimize provides prompt optimization for generation requests.
//
// Defines a Provider interface and an OpenAI-compatible chat implementation.
// The optimizer is an opaque capability to the engine: it takes the brief
// plus the previous iteration's judge feedback and returns a refined prompt.
package optimize

import (
	"context"

	"github.com/atelier-ai/kiln/internal/model"
)

// Feedback carries the previous iteration's judge output into the next
// optimization pass. Empty on the first iteration.
type Feedback struct {
	PreviousPrompt     string
	PreviousScore      float64
	TopIssues          []model.TopIssue
	WhatWorked         []string
	PromptInstructions []string // verbatim directives from judges
}

// Request is one optimization call.
type Request struct {
	Brief           string
	InitialPrompt   string
	NegativePrompts []string
	Feedback        *Feedback // nil on the first iteration
}

// Result is the optimizer's output plus usage for cost accounting.
type Result struct {
	Prompt string
	Usage  model.CostDelta
}

// Provider refines prompts. Implementations must be safe for concurrent use.
type Provider interface {
	Optimize(ctx context.Context, req Request) (Result, error)
}
