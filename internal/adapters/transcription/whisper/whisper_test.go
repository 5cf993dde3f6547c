package whisper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"voice-notes-service/internal/adapters"
	"voice-notes-service/internal/adapters/transcription"
)

func TestTranscribe_DecodesVerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("expected verbose_json, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"text": "hello world",
			"duration": 2.5,
			"segments": [
				{"start": 0, "end": 1.2, "text": "hello", "avg_logprob": -0.1},
				{"start": 1.2, "end": 2.5, "text": "world", "avg_logprob": -0.2}
			]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "")
	res, err := c.Transcribe(context.Background(), []byte("pcm"), transcription.Options{LanguageCode: "en"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("unexpected text: %q", res.Text)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
	if res.Segments[0].EndMs != 1200 {
		t.Errorf("expected 1200ms, got %d", res.Segments[0].EndMs)
	}
	if res.AudioSeconds != 2.5 {
		t.Errorf("expected duration 2.5, got %f", res.AudioSeconds)
	}
	if res.Segments[0].Confidence <= res.Segments[1].Confidence {
		t.Error("higher logprob should mean higher confidence")
	}
}

func TestTranscribe_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusInternalServerError, false},
		{"unsupported media", http.StatusUnsupportedMediaType, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(srv.URL, "", "")
			_, err := c.Transcribe(context.Background(), []byte("pcm"), transcription.Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if adapters.IsPermanent(err) != tt.permanent {
				t.Errorf("status %d: permanent=%v, want %v", tt.status, adapters.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestTranscribe_EmptyBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text": "", "segments": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	_, err := c.Transcribe(context.Background(), []byte("pcm"), transcription.Options{})
	var ae *adapters.Error
	if !errors.As(err, &ae) || ae.Code != adapters.CodeInvalidOutput {
		t.Errorf("expected invalid_output, got %v", err)
	}
}
