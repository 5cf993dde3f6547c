package streaming

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-notes-service/internal/adapters/transcription"
	"voice-notes-service/internal/adapters/transcription/mock"
	"voice-notes-service/internal/audio"
	"voice-notes-service/internal/config"
	"voice-notes-service/internal/models"
	"voice-notes-service/internal/orchestrator"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *fakeEmitter) Emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEmitter) snapshot() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

func (e *fakeEmitter) waitForFinal(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ev := range e.snapshot() {
			if ev.Type == EventTranscript && ev.IsFinal {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no final transcript event arrived")
}

type completion struct {
	noteID     string
	transcript models.Transcript
	seconds    float64
}

type fakePipeline struct {
	mu          sync.Mutex
	submits     []orchestrator.SubmitRequest
	completions []completion
}

func (p *fakePipeline) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*models.ProcessingJob, *models.Note, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, req)
	n := models.NewNote(req.UserID, req.AudioRef)
	job := models.NewProcessingJob(n, models.IdempotencyKey(n.ID, []byte(req.AudioRef)))
	return job, n, nil
}

func (p *fakePipeline) CompleteTranscription(ctx context.Context, noteID string, transcript models.Transcript, seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, completion{noteID: noteID, transcript: transcript, seconds: seconds})
	return nil
}

func (p *fakePipeline) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submits)
}

func (p *fakePipeline) completionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completions)
}

// silentSTT never produces callbacks; tests drive the session directly.
type silentSTT struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *silentSTT) Start(ctx context.Context, cb transcription.Callback) error { return nil }

func (s *silentSTT) SendAudio(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
	return nil
}

func (s *silentSTT) Close() error { return nil }

func testConfig() config.StreamingConfig {
	return config.StreamingConfig{
		IdleTimeout:   time.Second,
		MaxAudioBytes: 1 << 20,
		MaxPartials:   100,
		FinalGrace:    10 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, stt transcription.StreamingTranscriber) (*Session, *fakePipeline, *fakeEmitter, audio.Store) {
	t.Helper()
	store, err := audio.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("audio store: %v", err)
	}
	pipeline := &fakePipeline{}
	emitter := &fakeEmitter{}
	s := NewSession(Options{
		UserID:   "user-1",
		STT:      stt,
		Pipeline: pipeline,
		Audio:    store,
		Emitter:  emitter,
		Config:   testConfig(),
	})
	return s, pipeline, emitter, store
}

func TestSession_ReconcilesFinalIntoPipeline(t *testing.T) {
	utt := mock.SimulatedUtterance{
		Partials:   []string{"Remember to", "Remember to call"},
		Final:      "Remember to call the dentist on Thursday",
		Confidence: 0.94,
	}
	s, pipeline, emitter, store := newTestSession(t, mock.NewStreamingWithUtterance(utt))
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	chunk := bytes.Repeat([]byte{1}, 8000)
	for i := 0; i < len(utt.Partials)+1; i++ {
		if err := s.HandleAudio(ctx, chunk); err != nil {
			t.Fatalf("audio chunk %d: %v", i, err)
		}
	}
	emitter.waitForFinal(t, 2*time.Second)

	if err := s.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if pipeline.completionCount() != 1 {
		t.Fatalf("expected 1 completion, got %d", pipeline.completionCount())
	}
	got := pipeline.completions[0]
	if got.transcript.Text != utt.Final {
		t.Errorf("transcript %q, want %q", got.transcript.Text, utt.Final)
	}
	if got.transcript.Source != models.SourceStreaming {
		t.Errorf("source %q, want streaming", got.transcript.Source)
	}
	wantSeconds := float64(3*8000) / 32000
	if got.seconds != wantSeconds {
		t.Errorf("audio seconds %v, want %v", got.seconds, wantSeconds)
	}

	// The full audio was buffered durably, in order.
	data, err := store.Load(ctx, s.audioRef)
	if err != nil {
		t.Fatalf("load buffered audio: %v", err)
	}
	if len(data) != 3*8000 {
		t.Errorf("buffered %d bytes, want %d", len(data), 3*8000)
	}

	// Partials arrive before the final, and the session reports completion.
	events := emitter.snapshot()
	sawFinal := false
	sawCompleted := false
	for _, ev := range events {
		switch {
		case ev.Type == EventTranscript && !ev.IsFinal:
			if sawFinal {
				t.Error("partial emitted after final")
			}
		case ev.Type == EventTranscript && ev.IsFinal:
			sawFinal = true
			if ev.Confidence != utt.Confidence {
				t.Errorf("final confidence %v, want %v", ev.Confidence, utt.Confidence)
			}
		case ev.Type == EventCompleted:
			sawCompleted = true
			if ev.NoteID == "" {
				t.Error("completed event missing note id")
			}
		}
	}
	if !sawFinal || !sawCompleted {
		t.Errorf("missing events: final=%v completed=%v", sawFinal, sawCompleted)
	}
}

func TestSession_DropFallsBackToBatch(t *testing.T) {
	stt := &silentSTT{}
	s, pipeline, emitter, store := newTestSession(t, stt)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleAudio(ctx, bytes.Repeat([]byte{2}, 4000)); err != nil {
		t.Fatalf("audio: %v", err)
	}

	if err := s.Abort(ctx, "connection_lost"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if pipeline.completionCount() != 0 {
		t.Error("dropped session must not reconcile a transcript")
	}
	if pipeline.submitCount() != 1 {
		t.Fatalf("expected 1 batch submit, got %d", pipeline.submitCount())
	}
	req := pipeline.submits[0]
	if req.AudioRef != s.audioRef {
		t.Errorf("submit audio ref %q, want %q", req.AudioRef, s.audioRef)
	}
	if req.UserID != "user-1" {
		t.Errorf("submit user %q", req.UserID)
	}
	if _, err := store.Load(ctx, s.audioRef); err != nil {
		t.Errorf("buffered audio must survive the drop: %v", err)
	}
	found := false
	for _, ev := range emitter.snapshot() {
		if ev.Type == EventQueued {
			found = true
		}
	}
	if !found {
		t.Error("expected a queued event for the batch fallback")
	}
}

func TestSession_CleanCloseWithoutFinalFallsBack(t *testing.T) {
	s, pipeline, _, _ := newTestSession(t, &silentSTT{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleAudio(ctx, bytes.Repeat([]byte{3}, 4000)); err != nil {
		t.Fatalf("audio: %v", err)
	}

	if err := s.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if pipeline.completionCount() != 0 {
		t.Error("no final means nothing to reconcile")
	}
	if pipeline.submitCount() != 1 {
		t.Errorf("expected batch fallback submit, got %d", pipeline.submitCount())
	}
}

func TestSession_NoAudioNothingSubmitted(t *testing.T) {
	s, pipeline, _, _ := newTestSession(t, &silentSTT{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if pipeline.submitCount() != 0 || pipeline.completionCount() != 0 {
		t.Error("session without audio must not create a note")
	}
}

func TestSession_PartialAfterFinalSuppressed(t *testing.T) {
	s, _, emitter, _ := newTestSession(t, &silentSTT{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.OnPartial("groceries")
	s.OnFinal("groceries milk and coffee", 0.9)
	s.OnPartial("late partial")
	s.OnFinal("duplicate final", 0.5)

	var partials, finals int
	for _, ev := range emitter.snapshot() {
		if ev.Type != EventTranscript {
			continue
		}
		if ev.IsFinal {
			finals++
		} else {
			partials++
		}
	}
	if partials != 1 {
		t.Errorf("expected 1 partial event, got %d", partials)
	}
	if finals != 1 {
		t.Errorf("expected 1 final event, got %d", finals)
	}
}

func TestSession_MultipleUtterancesAccumulate(t *testing.T) {
	s, pipeline, _, _ := newTestSession(t, &silentSTT{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleAudio(ctx, bytes.Repeat([]byte{4}, 32000)); err != nil {
		t.Fatalf("audio: %v", err)
	}

	s.OnFinal("remember the dentist", 0.9)
	s.OnEndOfUtterance()
	if err := s.HandleAudio(ctx, bytes.Repeat([]byte{4}, 32000)); err != nil {
		t.Fatalf("audio: %v", err)
	}
	s.OnFinal("and buy coffee", 0.8)

	if err := s.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if pipeline.completionCount() != 1 {
		t.Fatalf("expected 1 completion, got %d", pipeline.completionCount())
	}
	got := pipeline.completions[0].transcript
	want := "remember the dentist and buy coffee"
	if got.Text != want {
		t.Errorf("transcript %q, want %q", got.Text, want)
	}
	if len(got.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got.Segments))
	}
	if got.Segments[0].EndMs != got.Segments[1].StartMs {
		t.Errorf("segments not contiguous: %d vs %d", got.Segments[0].EndMs, got.Segments[1].StartMs)
	}
}

func TestSession_AudioLimitDropsSession(t *testing.T) {
	store, err := audio.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("audio store: %v", err)
	}
	pipeline := &fakePipeline{}
	cfg := testConfig()
	cfg.MaxAudioBytes = 100
	s := NewSession(Options{
		UserID:   "user-1",
		STT:      &silentSTT{},
		Pipeline: pipeline,
		Audio:    store,
		Emitter:  &fakeEmitter{},
		Config:   cfg,
	})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.HandleAudio(ctx, make([]byte, 200)); err == nil {
		t.Fatal("expected an error past the audio limit")
	} else if !strings.Contains(err.Error(), "limit") {
		t.Errorf("unexpected error: %v", err)
	}
	if !s.lifecycle.Dropped() {
		t.Error("session should be dropped after exceeding the limit")
	}
	if err := s.HandleAudio(ctx, make([]byte, 1)); err == nil {
		t.Error("dropped session must reject further audio")
	}
}

func TestSession_ShutdownIsIdempotent(t *testing.T) {
	s, pipeline, _, _ := newTestSession(t, &silentSTT{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleAudio(ctx, make([]byte, 1000)); err != nil {
		t.Fatalf("audio: %v", err)
	}

	if err := s.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if err := s.Abort(ctx, "late"); err != nil {
		t.Fatalf("abort after finish: %v", err)
	}
	if pipeline.submitCount() != 1 {
		t.Errorf("shutdown ran %d submits, want 1", pipeline.submitCount())
	}
}
