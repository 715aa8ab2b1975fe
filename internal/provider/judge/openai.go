package judge

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

const verdictInstructions = `Score the image against the brief on a 0-100 scale.
Respond with a JSON object:
{"overall_score": number, "category_scores": {name: number}, "feedback": string,
 "top_issue": {"problem": string, "severity": "low"|"medium"|"high", "fix": string},
 "what_worked": [string], "checklist": {criterion: bool}, "prompt_instructions": [string]}
prompt_instructions are verbatim directives for the next prompt revision. Respond with JSON only.`

// OpenAIProvider evaluates candidates via an OpenAI-compatible chat API with
// vision input.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	chatModel  string
	httpClient *http.Client
}

// NewOpenAIProvider creates a judge provider backed by a vision-capable chat model.
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

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type visionMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type visionRequest struct {
	Model          string          `json:"model"`
	Messages       []visionMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type visionResponse struct {
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

// Evaluate scores one candidate for one judge agent.
func (p *OpenAIProvider) Evaluate(ctx context.Context, req Request) (Result, error) {
	system := fmt.Sprintf("You are %q, an image quality judge.", req.Judge.Name)
	if req.Judge.Rubric != nil && *req.Judge.Rubric != "" {
		system += " Rubric:\n" + *req.Judge.Rubric
	}
	system += "\n" + verdictInstructions

	userText := "Brief:\n" + req.Brief
	if req.Prompt != "" {
		userText += "\n\nGeneration prompt:\n" + req.Prompt
	}

	body := visionRequest{
		Model: p.chatModel,
		Messages: []visionMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: system}}},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: userText},
				{Type: "image_url", ImageURL: &struct {
					URL string `json:"url"`
				}{URL: req.ImageURL}},
			}},
		},
	}
	body.ResponseFormat.Type = "json_object"

	reqBody, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("judge: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("judge: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("judge: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("judge: read response: %w", err)
	}

	var result visionResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("judge: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Result{}, fmt.Errorf("judge: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("judge: unexpected status %d: %s", resp.StatusCode, string(raw))
	}
	if len(result.Choices) == 0 {
		return Result{}, fmt.Errorf("judge: empty response")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(result.Choices[0].Message.Content), &verdict); err != nil {
		return Result{}, fmt.Errorf("judge: parse verdict: %w", err)
	}
	if verdict.OverallScore < 0 {
		verdict.OverallScore = 0
	}
	if verdict.OverallScore > 100 {
		verdict.OverallScore = 100
	}

	return Result{
		Verdict: verdict,
		Usage:   model.CostDelta{LLMTokens: result.Usage.TotalTokens},
	}, nil
}
