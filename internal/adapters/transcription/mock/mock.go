// Package mock provides mock transcription adapters for testing and local
// development without cloud credentials. The streaming adapter simulates
// realistic speech-to-text behavior with progressive partial transcripts and
// exactly one final transcript per utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"voice-notes-service/internal/adapters/transcription"
	"voice-notes-service/internal/models"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"Remember to", "Remember to call"},
		Final:      "Remember to call the dentist on Thursday",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"The quarterly", "The quarterly review"},
		Final:      "The quarterly review moved to next Monday at ten",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Idea for", "Idea for the launch"},
		Final:      "Idea for the launch post talk about the migration",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"Groceries", "Groceries milk and"},
		Final:      "Groceries milk and coffee and rye bread",
		Confidence: 0.89,
	},
}

// Transcriber implements the batch transcription.Transcriber contract with a
// deterministic transcript derived from the audio length.
type Transcriber struct {
	// Delay simulates provider latency per call.
	Delay time.Duration
}

// NewTranscriber creates a batch mock.
func NewTranscriber() *Transcriber {
	return &Transcriber{}
}

// Transcribe returns a canned utterance selected by audio size. A one-second
// segment is emitted per word so timing-dependent code has something to chew on.
func (m *Transcriber) Transcribe(ctx context.Context, audio []byte, opts transcription.Options) (*transcription.Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	utt := DefaultUtterances[len(audio)%len(DefaultUtterances)]
	segments := segmentize(utt.Final, utt.Confidence)
	return &transcription.Result{
		Text:         utt.Final,
		Segments:     segments,
		AudioSeconds: float64(len(segments)),
	}, nil
}

func segmentize(text string, confidence float64) []models.TranscriptSegment {
	var segments []models.TranscriptSegment
	start := int64(0)
	word := ""
	flush := func() {
		if word == "" {
			return
		}
		segments = append(segments, models.TranscriptSegment{
			StartMs:    start,
			EndMs:      start + 1000,
			Text:       word,
			Confidence: confidence,
		})
		start += 1000
		word = ""
	}
	for _, r := range text {
		if r == ' ' {
			flush()
			continue
		}
		word += string(r)
	}
	flush()
	return segments
}

// StreamingAdapter implements transcription.StreamingTranscriber with mock
// responses: multiple partials as audio arrives, exactly one final when the
// utterance ends, then an end-of-utterance signal.
type StreamingAdapter struct {
	cb                 transcription.Callback
	mu                 sync.Mutex
	audioReceived      int
	utterance          SimulatedUtterance
	partialIndex       int
	finalSent          bool
	endOfUtteranceSent bool
	closed             bool
}

// utteranceCounter cycles through the default utterances.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// NewStreaming creates a new mock streaming adapter.
func NewStreaming() *StreamingAdapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	return &StreamingAdapter{
		utterance: DefaultUtterances[idx],
	}
}

// NewStreamingWithUtterance creates a mock that plays a specific utterance.
func NewStreamingWithUtterance(utt SimulatedUtterance) *StreamingAdapter {
	return &StreamingAdapter{utterance: utt}
}

// Start begins a mock transcription session.
func (a *StreamingAdapter) Start(ctx context.Context, cb transcription.Callback) error {
	a.cb = cb
	return nil
}

// SendAudio simulates receiving audio and triggers progressive partial
// transcripts. When all partials are sent, it simulates end-of-utterance
// detection (like silence detection).
func (a *StreamingAdapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil {
		return nil
	}

	a.audioReceived++

	if a.partialIndex < len(a.utterance.Partials) {
		partial := a.utterance.Partials[a.partialIndex]
		a.partialIndex++

		go func(text string) {
			time.Sleep(10 * time.Millisecond)
			a.mu.Lock()
			cb := a.cb
			closed := a.closed
			a.mu.Unlock()
			if !closed && cb != nil {
				cb.OnPartial(text)
			}
		}(partial)
	} else if !a.finalSent {
		// All partials sent: simulate silence detection ending the utterance.
		a.finalSent = true
		a.endOfUtteranceSent = true

		go func() {
			time.Sleep(20 * time.Millisecond)
			a.mu.Lock()
			cb := a.cb
			closed := a.closed
			utt := a.utterance
			a.mu.Unlock()

			if !closed && cb != nil {
				cb.OnFinal(utt.Final, utt.Confidence)
				cb.OnEndOfUtterance()
			}
		}()
	}

	return nil
}

// Close ends the mock session. If no final was sent yet (stream ended before
// the natural utterance end), one is sent now.
func (a *StreamingAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if !a.finalSent && a.cb != nil {
		a.finalSent = true
		cb := a.cb
		utt := a.utterance
		go func() {
			time.Sleep(20 * time.Millisecond)
			cb.OnFinal(utt.Final, utt.Confidence)
		}()
	}

	return nil
}
