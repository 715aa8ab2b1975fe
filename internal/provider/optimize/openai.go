package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/atelier-ai/kiln/internal/model"
)

const systemPrompt = `You are an expert prompt engineer for text-to-image models.
Rewrite the user's creative brief into a single, concrete image-generation prompt.
Incorporate the judge feedback when present: fix the top issues, keep what worked,
and apply every prompt instruction verbatim. Respond with the prompt text only.`

// OpenAIProvider optimizes prompts via an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	chatModel  string
	httpClient *http.Client
}

// NewOpenAIProvider creates an optimizer backed by the chat completions API.
// baseURL may point at any OpenAI-compatible endpoint; empty selects the
// OpenAI default.
func NewOpenAIProvider(apiKey, baseURL, chatModel string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		chatModel:  chatModel,
		httpClient: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Optimize produces a refined prompt from the brief and prior feedback.
func (p *OpenAIProvider) Optimize(ctx context.Context, req Request) (Result, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: p.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserMessage(req)},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return Result{}, fmt.Errorf("optimize: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("optimize: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("optimize: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("optimize: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("optimize: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Result{}, fmt.Errorf("optimize: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("optimize: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Choices) == 0 {
		return Result{}, fmt.Errorf("optimize: empty response")
	}

	return Result{
		Prompt: strings.TrimSpace(result.Choices[0].Message.Content),
		Usage:  model.CostDelta{LLMTokens: result.Usage.TotalTokens},
	}, nil
}

func buildUserMessage(req Request) string {
	var b strings.Builder
	b.WriteString("Brief:\n")
	b.WriteString(req.Brief)
	if req.InitialPrompt != "" {
		b.WriteString("\n\nStarting prompt:\n")
		b.WriteString(req.InitialPrompt)
	}
	if len(req.NegativePrompts) > 0 {
		b.WriteString("\n\nAvoid:\n")
		b.WriteString(strings.Join(req.NegativePrompts, "; "))
	}
	if fb := req.Feedback; fb != nil {
		fmt.Fprintf(&b, "\n\nPrevious prompt (scored %.1f/100):\n%s", fb.PreviousScore, fb.PreviousPrompt)
		for _, issue := range fb.TopIssues {
			fmt.Fprintf(&b, "\nTop issue (%s): %s — fix: %s", issue.Severity, issue.Problem, issue.Fix)
		}
		if len(fb.WhatWorked) > 0 {
			b.WriteString("\nKeep: ")
			b.WriteString(strings.Join(fb.WhatWorked, "; "))
		}
		for _, instr := range fb.PromptInstructions {
			b.WriteString("\nInstruction: ")
			b.WriteString(instr)
		}
	}
	return b.String()
}
