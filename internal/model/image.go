package model

import (
	"time"

	"github.com/google/uuid"
)

// GeneratedImage is one synthesis candidate produced during an iteration.
// Bytes live in the object store; this row carries only the reference.
// imagesPerGeneration candidates belong to each iteration, and at most one of
// them becomes the iteration's selected image.
type GeneratedImage struct {
	ID               uuid.UUID      `json:"id"`
	RequestID        uuid.UUID      `json:"request_id"`
	OrgID            uuid.UUID      `json:"org_id"`
	IterationNumber  int            `json:"iteration_number"`
	StorageKey       string         `json:"storage_key"`
	URL              string         `json:"url"`
	PromptUsed       string         `json:"prompt_used"`
	GenerationParams map[string]any `json:"generation_params,omitempty"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	MimeType         string         `json:"mime_type"`
	FileSizeBytes    int64          `json:"file_size_bytes"`
	CreatedAt        time.Time      `json:"created_at"`
}
