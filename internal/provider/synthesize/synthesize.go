// Package synthesize provides candidate image generation.
//
// Defines a Provider interface and an OpenAI-compatible images API
// implementation. The engine treats synthesis as opaque: it hands over a
// prompt and receives bytes; storage of those bytes belongs to the blob
// layer.
package synthesize

import (
	"context"

	"github.com/atelier-ai/kiln/internal/model"
)

// Request is one synthesis fan-out: Count candidates from a single prompt.
type Request struct {
	Prompt          string
	ReferenceImages []string // URLs; providers that cannot condition on them may ignore
	NegativePrompts []string
	Count           int
	AspectRatio     string // e.g. "1:1", "16:9"
	Quality         string // provider-defined, e.g. "standard", "hd"
}

// Image is one generated candidate.
type Image struct {
	Bytes    []byte
	MimeType string
	Width    int
	Height   int
}

// Result carries the candidates plus usage for cost accounting.
type Result struct {
	Images []Image
	Usage  model.CostDelta
}

// Provider generates candidate images. Implementations must be safe for
// concurrent use.
type Provider interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
