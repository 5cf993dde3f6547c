// Package whisper provides a batch speech-to-text adapter for
// OpenAI-compatible /audio/transcriptions endpoints.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"voice-notes-service/internal/adapters"
	"voice-notes-service/internal/adapters/transcription"
	"voice-notes-service/internal/models"
)

const defaultModel = "whisper-1"

// Client implements transcription.Transcriber against an OpenAI-compatible
// transcription endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// New creates a whisper-style batch transcription client.
func New(endpoint, apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// verboseResponse is the verbose_json response shape.
type verboseResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		// avg_logprob is roughly log(confidence) per token; close enough
		// for a relative confidence signal.
		AvgLogProb float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe posts the audio as multipart form data and decodes the
// verbose_json response into timed segments.
func (c *Client) Transcribe(ctx context.Context, audio []byte, opts transcription.Options) (*transcription.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", c.model); err != nil {
		return nil, err
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, err
	}
	if opts.LanguageCode != "" {
		if err := mw.WriteField("language", opts.LanguageCode); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, adapters.Transient(adapters.CodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		class, code := adapters.ClassifyHTTPStatus(resp.StatusCode)
		err := fmt.Errorf("transcription endpoint returned %d: %s", resp.StatusCode, b)
		if class == adapters.ClassTransient {
			return nil, adapters.Transient(code, err)
		}
		return nil, adapters.Permanent(code, err)
	}

	var vr verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, adapters.Permanent(adapters.CodeInvalidOutput, err)
	}
	if vr.Text == "" && len(vr.Segments) == 0 {
		return nil, adapters.Permanent(adapters.CodeInvalidOutput, fmt.Errorf("empty transcription response"))
	}

	result := &transcription.Result{
		Text:         vr.Text,
		AudioSeconds: vr.Duration,
	}
	for _, seg := range vr.Segments {
		result.Segments = append(result.Segments, models.TranscriptSegment{
			StartMs:    int64(seg.Start * 1000),
			EndMs:      int64(seg.End * 1000),
			Text:       seg.Text,
			Confidence: logProbToConfidence(seg.AvgLogProb),
		})
	}
	return result, nil
}

// logProbToConfidence squashes an average log probability into (0, 1].
func logProbToConfidence(avgLogProb float64) float64 {
	if avgLogProb >= 0 {
		return 1
	}
	conf := math.Exp(avgLogProb)
	if conf < 0.01 {
		conf = 0.01
	}
	return conf
}
