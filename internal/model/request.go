// Package model defines the core domain types for Kiln.
//
// Types correspond directly to database tables: a compact generation_requests
// parent row, an append-only request_iterations child table, and
// generated_images rows referencing object-store payloads by key. Types use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus represents the lifecycle state of a generation request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusOptimizing RequestStatus = "OPTIMIZING"
	StatusGenerating RequestStatus = "GENERATING"
	StatusEvaluating RequestStatus = "EVALUATING"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusFailed     RequestStatus = "FAILED"
	StatusCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether the status is a final state. Terminal requests are
// immutable (history, judges, iteration counter) until a continuation reopens
// them.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CompletionReason records why a request left the active loop.
type CompletionReason string

const (
	ReasonSuccess           CompletionReason = "SUCCESS"
	ReasonMaxRetriesReached CompletionReason = "MAX_RETRIES_REACHED"
	ReasonDiminishingReturn CompletionReason = "DIMINISHING_RETURNS"
	ReasonCancelled         CompletionReason = "CANCELLED"
	ReasonError             CompletionReason = "ERROR"
)

// ImageParams controls synthesis fan-out and the plateau stopping rule.
type ImageParams struct {
	AspectRatio         string  `json:"aspect_ratio"`
	Quality             string  `json:"quality"`
	ImagesPerGeneration int     `json:"images_per_generation"`
	PlateauWindowSize   int     `json:"plateau_window_size"`
	PlateauThreshold    float64 `json:"plateau_threshold"`
}

// Costs is the running usage total for a request. All fields are monotonically
// non-decreasing over the request's life, across continuations.
type Costs struct {
	LLMTokens          int64   `json:"llm_tokens"`
	ImageGenerations   int64   `json:"image_generations"`
	EmbeddingTokens    int64   `json:"embedding_tokens"`
	TotalEstimatedCost float64 `json:"total_estimated_cost"`
}

// CostDelta is an additive usage increment reported by provider calls.
type CostDelta struct {
	LLMTokens        int64 `json:"llm_tokens"`
	ImageGenerations int64 `json:"image_generations"`
	EmbeddingTokens  int64 `json:"embedding_tokens"`
}

// Add merges another delta into this one.
func (d *CostDelta) Add(other CostDelta) {
	d.LLMTokens += other.LLMTokens
	d.ImageGenerations += other.ImageGenerations
	d.EmbeddingTokens += other.EmbeddingTokens
}

// GenerationRequest is the root aggregate: the persisted state of one
// iterative image-generation request.
//
// Iterations is loaded from the request_iterations child table and is always
// dense: Iterations[i].IterationNumber == i+1 and
// CurrentIteration == len(Iterations) after every successful append. List
// queries leave Iterations nil for cheapness; Get populates it.
type GenerationRequest struct {
	ID                 uuid.UUID           `json:"id"`
	OrgID              uuid.UUID           `json:"org_id"`
	ProjectID          *uuid.UUID          `json:"project_id,omitempty"`
	SpaceID            *uuid.UUID          `json:"space_id,omitempty"`
	CreatedBy          *uuid.UUID          `json:"created_by,omitempty"`
	Brief              string              `json:"brief"`
	InitialPrompt      string              `json:"initial_prompt"`
	ReferenceImageURLs []string            `json:"reference_image_urls"`
	NegativePrompts    []string            `json:"negative_prompts"`
	JudgeIDs           []uuid.UUID         `json:"judge_ids"`
	ImageParams        ImageParams         `json:"image_params"`
	Threshold          float64             `json:"threshold"`
	MaxIterations      int                 `json:"max_iterations"`
	Status             RequestStatus       `json:"status"`
	CurrentIteration   int                 `json:"current_iteration"`
	FinalImageID       *uuid.UUID          `json:"final_image_id,omitempty"`
	CompletionReason   *CompletionReason   `json:"completion_reason,omitempty"`
	ErrorMessage       *string             `json:"error_message,omitempty"`
	CancelRequested    bool                `json:"cancel_requested"`
	Costs              Costs               `json:"costs"`
	Iterations         []IterationSnapshot `json:"iterations,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
}

// LatestIteration returns the most recent snapshot, or false when the request
// has no history yet.
func (r *GenerationRequest) LatestIteration() (IterationSnapshot, bool) {
	if len(r.Iterations) == 0 {
		return IterationSnapshot{}, false
	}
	return r.Iterations[len(r.Iterations)-1], true
}

// MaxErrorMessageLen bounds the error message persisted on a FAILED request.
const MaxErrorMessageLen = 2000

// TruncateError clips an error message to MaxErrorMessageLen characters.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorMessageLen {
		return msg[:MaxErrorMessageLen]
	}
	return msg
}
