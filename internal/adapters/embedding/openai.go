package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"voice-notes-service/internal/adapters"
)

const (
	openaiMaxRetries   = 3
	openaiInitialDelay = 1 * time.Second
)

// OpenAIClient implements Embedder against an OpenAI-compatible
// /v1/embeddings endpoint.
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

// NewOpenAIClient creates an embedding client. dimensions must match what
// the configured model actually produces; the index rejects mismatched
// vectors.
func NewOpenAIClient(endpoint, apiKey, model string, dimensions int) *OpenAIClient {
	return &OpenAIClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type embedError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Dimensions reports the configured vector width.
func (c *OpenAIClient) Dimensions() int { return c.dimensions }

// EmbedDocument embeds note content for indexing.
func (c *OpenAIClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text)
}

// EmbedQuery embeds a search query.
func (c *OpenAIClient) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return c.embed(ctx, query)
}

func (c *OpenAIClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: []string{text}, Model: c.model})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < openaiMaxRetries; attempt++ {
		if attempt > 0 {
			delay := openaiInitialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = adapters.Transient(adapters.CodeUnavailable, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = adapters.Transient(adapters.CodeUnavailable, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			msg := string(respBody)
			var ee embedError
			if json.Unmarshal(respBody, &ee) == nil && ee.Error.Message != "" {
				msg = ee.Error.Message
			}
			class, code := adapters.ClassifyHTTPStatus(resp.StatusCode)
			apiErr := fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, msg)
			if class == adapters.ClassTransient {
				lastErr = adapters.Transient(code, apiErr)
				continue
			}
			return nil, adapters.Permanent(code, apiErr)
		}

		var er embedResponse
		if err := json.Unmarshal(respBody, &er); err != nil {
			return nil, adapters.Permanent(adapters.CodeInvalidOutput, err)
		}
		if len(er.Data) == 0 {
			return nil, adapters.Permanent(adapters.CodeInvalidOutput,
				fmt.Errorf("no embeddings returned"))
		}
		vec := er.Data[0].Embedding
		if len(vec) != c.dimensions {
			return nil, adapters.Permanent(adapters.CodeInvalidOutput,
				fmt.Errorf("expected %d dimensions, got %d", c.dimensions, len(vec)))
		}
		return vec, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", openaiMaxRetries, lastErr)
}
