package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voice-notes-service/internal/adapters"
	"voice-notes-service/internal/models"
)

const systemPrompt = `You turn a voice note transcript into structured JSON.
Respond with a single JSON object: {"summary": string, "entities":
[{"name": string, "kind": "person"|"place"|"org"|"date"|"other"}],
"tasks": [{"title": string, "dueHint": string}]}. No prose.`

// OpenAIClient implements Extractor against an OpenAI-compatible
// chat-completions endpoint with JSON output.
type OpenAIClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewOpenAIClient creates an extraction client.
func NewOpenAIClient(endpoint, apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat respFormat    `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Extract calls the chat endpoint and validates the structured output.
func (c *OpenAIClient) Extract(ctx context.Context, transcript string) (*Result, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: transcript},
		},
		ResponseFormat: respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, adapters.Transient(adapters.CodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		class, code := adapters.ClassifyHTTPStatus(resp.StatusCode)
		err := fmt.Errorf("extraction endpoint returned %d: %s", resp.StatusCode, b)
		if class == adapters.ClassTransient {
			return nil, adapters.Transient(code, err)
		}
		return nil, adapters.Permanent(code, err)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, adapters.Permanent(adapters.CodeInvalidOutput, err)
	}
	if len(cr.Choices) == 0 {
		return nil, adapters.Permanent(adapters.CodeInvalidOutput, fmt.Errorf("no choices in response"))
	}
	choice := cr.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == "content_filter" {
		return nil, adapters.Permanent(adapters.CodeContentPolicy,
			fmt.Errorf("provider refused: %s", choice.Message.Refusal))
	}

	var ex models.Extraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(choice.Message.Content)), &ex); err != nil {
		return nil, adapters.Permanent(adapters.CodeInvalidOutput, fmt.Errorf("decode model output: %w", err))
	}
	if err := Validate(&ex); err != nil {
		return nil, adapters.Permanent(adapters.CodeInvalidOutput, err)
	}

	return &Result{Extraction: ex, TokensUsed: cr.Usage.TotalTokens}, nil
}
