package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const systemPrompt = `You repair JSON ONLY.
- Output ONLY a JSON object that validates against the provided JSON Schema.
- Do not invent fields or values. If something is missing, set it to null or omit it.
- No explanations. No prose. Output must be valid JSON.
`

// OpenAIProvider repairs JSON through the chat completions API.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider returns a provider using the given key, or nil when the
// key is empty.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Repair sends the broken document and its schema to the model at
// temperature 0 and returns the repaired text with its token cost.
func (p *OpenAIProvider) Repair(ctx context.Context, raw string, schema map[string]interface{}) Result {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return failResult("schema encode failed")
	}

	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Temperature: 0,
		MaxTokens:   800,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Schema:\n%s\n---\nBroken JSON:\n%s", schemaJSON, raw)},
		},
	})
	if err != nil {
		return failResult("request encode failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return failResult(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return failResult(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failResult(fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return failResult("response decode failed")
	}
	if len(cr.Choices) == 0 {
		return failResult("empty completion")
	}

	return Result{
		RepairedText: stripCodeFence(strings.TrimSpace(cr.Choices[0].Message.Content)),
		FUTokens:     cr.Usage.TotalTokens,
		Success:      true,
	}
}

func (p *OpenAIProvider) EstimateTokens(text string) int64 {
	return EstimateTokens(text)
}

// stripCodeFence unwraps ```json ... ``` blocks that models like to emit
// despite instructions.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	parts := strings.Split(s, "```")
	if len(parts) < 2 {
		return s
	}
	inner := strings.TrimSpace(parts[1])
	inner = strings.TrimPrefix(inner, "json")
	return strings.TrimSpace(inner)
}

func failResult(msg string) Result {
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return Result{Success: false, Error: msg}
}
