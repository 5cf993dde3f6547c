// Package transcription defines the interfaces for speech-to-text adapters.
package transcription

import (
	"context"

	"voice-notes-service/internal/models"
)

// Options tunes a transcription request.
type Options struct {
	LanguageCode string
	SampleRateHz int
}

// Result is the output of a batch transcription.
type Result struct {
	Text     string
	Segments []models.TranscriptSegment
	// AudioSeconds is the provider-reported audio duration, used for
	// actual-cost reconciliation. Zero when the provider does not report it.
	AudioSeconds float64
}

// Transcriber is the batch speech-to-text contract: full audio in, full
// transcript out. Errors carry the adapters package classification.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts Options) (*Result, error)
}

// Callback receives transcript results from a streaming STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(text string)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnEndOfUtterance is called when the provider detects end of speech.
	OnEndOfUtterance()

	// OnError is called when an error occurs during transcription.
	OnError(err error)
}

// StreamingTranscriber is the connection-scoped streaming contract
// (Google, Azure, AWS, mock).
type StreamingTranscriber interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}
