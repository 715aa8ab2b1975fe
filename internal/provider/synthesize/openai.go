package synthesize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/atelier-ai/kiln/internal/model"
)

// OpenAIProvider generates images via an OpenAI-compatible images API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	imageModel string
	httpClient *http.Client
}

// NewOpenAIProvider creates a synthesis provider backed by the images API.
func NewOpenAIProvider(apiKey, baseURL, imageModel string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		imageModel: imageModel,
		httpClient: &http.Client{},
	}
}

type imagesRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imagesResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate requests req.Count candidates in one call. The negative prompts
// are folded into the prompt text; the images API has no separate field for
// them.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Result, error) {
	if req.Count <= 0 {
		req.Count = 1
	}
	size := sizeForAspectRatio(req.AspectRatio)
	width, height := parseSize(size)

	prompt := req.Prompt
	if len(req.NegativePrompts) > 0 {
		prompt += " Do not include: " + strings.Join(req.NegativePrompts, ", ") + "."
	}

	reqBody, err := json.Marshal(imagesRequest{
		Model:          p.imageModel,
		Prompt:         prompt,
		N:              req.Count,
		Size:           size,
		Quality:        req.Quality,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return Result{}, fmt.Errorf("synthesize: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("synthesize: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("synthesize: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("synthesize: read response: %w", err)
	}

	var result imagesResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("synthesize: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Result{}, fmt.Errorf("synthesize: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("synthesize: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Data) == 0 {
		return Result{}, fmt.Errorf("synthesize: empty response")
	}

	images := make([]Image, 0, len(result.Data))
	for i, d := range result.Data {
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return Result{}, fmt.Errorf("synthesize: decode candidate %d: %w", i, err)
		}
		images = append(images, Image{
			Bytes:    raw,
			MimeType: "image/png",
			Width:    width,
			Height:   height,
		})
	}

	return Result{
		Images: images,
		Usage:  model.CostDelta{ImageGenerations: int64(len(images))},
	}, nil
}

// sizeForAspectRatio maps a request aspect ratio onto the nearest size the
// images API supports.
func sizeForAspectRatio(ratio string) string {
	switch ratio {
	case "16:9", "3:2":
		return "1792x1024"
	case "9:16", "2:3":
		return "1024x1792"
	default:
		return "1024x1024"
	}
}

func parseSize(size string) (width, height int) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	width, _ = strconv.Atoi(parts[0])
	height, _ = strconv.Atoi(parts[1])
	return width, height
}
