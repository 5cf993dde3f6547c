// Package streaming runs live transcription sessions. A session receives
// raw audio over a websocket, feeds it to a streaming STT provider, emits
// partial and final transcripts back to the client in audio-receipt order,
// and reconciles the accumulated transcript into the note pipeline when the
// session ends. Audio is buffered durably chunk by chunk, so a connection
// that drops before a usable final still leaves a blob the batch
// transcription stage can process.
package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voice-notes-service/internal/adapters/transcription"
	"voice-notes-service/internal/audio"
	"voice-notes-service/internal/config"
	"voice-notes-service/internal/events"
	"voice-notes-service/internal/models"
	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/observability/metrics"
	"voice-notes-service/internal/orchestrator"
)

// bytesPerMs is the wire audio rate: 16-bit PCM mono at 16 kHz.
const bytesPerMs = 32

// Event types sent to the websocket client.
const (
	EventStarted    = "started"
	EventTranscript = "transcript"
	EventCompleted  = "completed"
	EventQueued     = "queued"
	EventError      = "error"
)

// Event is one JSON message sent to the client.
type Event struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	NoteID     string  `json:"note_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Emitter delivers events to the client. Implementations must be safe for
// concurrent use; STT callbacks arrive on provider goroutines.
type Emitter interface {
	Emit(ev Event) error
}

// Pipeline is the slice of the orchestrator a session needs: note intake
// and streaming-transcript reconciliation.
type Pipeline interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*models.ProcessingJob, *models.Note, error)
	CompleteTranscription(ctx context.Context, noteID string, transcript models.Transcript, audioSeconds float64) error
}

// Options wires a session's collaborators.
type Options struct {
	UserID   string
	STT      transcription.StreamingTranscriber
	Pipeline Pipeline
	Audio    audio.Store
	Events   *events.Publisher
	Emitter  Emitter
	Config   config.StreamingConfig
}

type finalFragment struct {
	text       string
	confidence float64
	endMs      int64
}

// Session is one live transcription session for one note-to-be. It
// implements transcription.Callback.
type Session struct {
	id        string
	userID    string
	audioRef  string
	stt       transcription.StreamingTranscriber
	pipeline  Pipeline
	audio     audio.Store
	events    *events.Publisher
	emitter   Emitter
	cfg       config.StreamingConfig
	lifecycle *Lifecycle
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu           sync.Mutex
	audioBytes   int64
	partialCount int
	finals       []finalFragment
	finished     bool
	lastErr      error

	// finalCh is signalled on each final so Finish can wait for a
	// provider flush after Close.
	finalCh chan struct{}
}

// NewSession creates a session with a fresh session ID. The audio
// reference is minted up front so chunks can be buffered before the note
// exists.
func NewSession(opts Options) *Session {
	id := uuid.New().String()
	return &Session{
		id:        id,
		userID:    opts.UserID,
		audioRef:  opts.Audio.Ref(id),
		stt:       opts.STT,
		pipeline:  opts.Pipeline,
		audio:     opts.Audio,
		events:    opts.Events,
		emitter:   opts.Emitter,
		cfg:       opts.Config,
		lifecycle: NewLifecycle(),
		metrics:   metrics.DefaultMetrics,
		log:       logging.WithSession(id, "", opts.UserID),
		finalCh:   make(chan struct{}, 1),
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Start opens the STT stream with this session as the callback receiver.
func (s *Session) Start(ctx context.Context) error {
	if err := s.stt.Start(ctx, s); err != nil {
		return fmt.Errorf("start stt stream: %w", err)
	}
	s.metrics.RecordSessionStart()
	s.send(Event{Type: EventStarted, SessionID: s.id})
	s.log.Info().Msg("session started")
	return nil
}

// HandleAudio buffers one audio chunk durably and forwards it to the STT
// provider. Rejects chunks once the session is terminal or over its audio
// budget.
func (s *Session) HandleAudio(ctx context.Context, chunk []byte) error {
	if s.lifecycle.Terminal() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	s.audioBytes += int64(len(chunk))
	total := s.audioBytes
	s.mu.Unlock()

	if s.cfg.MaxAudioBytes > 0 && total > s.cfg.MaxAudioBytes {
		s.drop("audio_limit")
		return fmt.Errorf("session audio limit exceeded: %d > %d bytes", total, s.cfg.MaxAudioBytes)
	}
	s.metrics.RecordAudioReceived(len(chunk))

	// Durable first: a crash or disconnect after this point still leaves
	// the full audio for the batch fallback.
	if err := s.audio.Append(ctx, s.audioRef, chunk); err != nil {
		s.drop("storage_error")
		return fmt.Errorf("buffer audio: %w", err)
	}
	return s.stt.SendAudio(ctx, chunk)
}

// Finish ends the session cleanly. With at least one final transcript the
// accumulated text short-circuits the transcribe stage; otherwise the
// buffered audio is submitted for batch transcription.
func (s *Session) Finish(ctx context.Context) error {
	if !s.beginShutdown() {
		return nil
	}
	defer s.metrics.RecordSessionEnd()
	_ = s.stt.Close()

	s.mu.Lock()
	total := s.audioBytes
	haveFinal := len(s.finals) > 0
	s.mu.Unlock()

	if total == 0 {
		s.lifecycle.Close()
		s.log.Info().Msg("session closed without audio")
		return nil
	}

	// Close may flush one last final from the provider.
	if !haveFinal && !s.lifecycle.Dropped() && s.cfg.FinalGrace > 0 {
		select {
		case <-s.finalCh:
		case <-time.After(s.cfg.FinalGrace):
		case <-ctx.Done():
		}
	}
	s.lifecycle.Close()

	s.mu.Lock()
	finals := make([]finalFragment, len(s.finals))
	copy(finals, s.finals)
	dropped := s.lifecycle.Dropped()
	s.mu.Unlock()

	if dropped || len(finals) == 0 {
		return s.fallback(ctx, "no final transcript")
	}

	job, n, err := s.pipeline.Submit(ctx, orchestrator.SubmitRequest{
		UserID:   s.userID,
		AudioRef: s.audioRef,
	})
	if err != nil {
		return fmt.Errorf("submit streamed note: %w", err)
	}
	transcript := assembleTranscript(finals)
	seconds := float64(total) / float64(bytesPerMs*1000)
	if err := s.pipeline.CompleteTranscription(ctx, n.ID, transcript, seconds); err != nil {
		return fmt.Errorf("reconcile streamed transcript: %w", err)
	}

	s.send(Event{Type: EventCompleted, SessionID: s.id, NoteID: n.ID})
	s.log.Info().Str("noteId", n.ID).Str("jobId", job.ID).
		Int64("audioBytes", total).Int("finals", len(finals)).
		Msg("session reconciled into pipeline")
	return nil
}

// Abort drops the session without a usable transcript. Buffered audio, if
// any, is submitted for batch transcription.
func (s *Session) Abort(ctx context.Context, reason string) error {
	if !s.beginShutdown() {
		return nil
	}
	defer s.metrics.RecordSessionEnd()
	_ = s.stt.Close()
	s.drop(reason)

	s.mu.Lock()
	total := s.audioBytes
	s.mu.Unlock()
	if total == 0 {
		s.log.Info().Str("reason", reason).Msg("session dropped without audio")
		return nil
	}
	return s.fallback(ctx, reason)
}

// beginShutdown reports whether this caller is the one shutting the
// session down.
func (s *Session) beginShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

// fallback hands the buffered audio to the batch pipeline.
func (s *Session) fallback(ctx context.Context, reason string) error {
	job, n, err := s.pipeline.Submit(ctx, orchestrator.SubmitRequest{
		UserID:   s.userID,
		AudioRef: s.audioRef,
	})
	if err != nil {
		return fmt.Errorf("submit audio for batch transcription: %w", err)
	}
	s.send(Event{Type: EventQueued, SessionID: s.id, NoteID: n.ID})
	s.log.Info().Str("noteId", n.ID).Str("jobId", job.ID).Str("reason", reason).
		Msg("session fell back to batch transcription")
	return nil
}

func (s *Session) drop(reason string) {
	if s.lifecycle.Drop() {
		s.metrics.RecordSessionDropped(reason)
		s.log.Warn().Str("reason", reason).Msg("session dropped")
	}
}

// --- transcription.Callback ---

// OnPartial relays an interim transcript to the client. Suppressed once
// the current utterance has its final.
func (s *Session) OnPartial(text string) {
	if err := s.lifecycle.AllowPartial(); err != nil {
		s.log.Debug().Err(err).Str("state", s.lifecycle.State().String()).Msg("partial suppressed")
		return
	}

	s.mu.Lock()
	s.partialCount++
	count := s.partialCount
	s.mu.Unlock()
	if s.cfg.MaxPartials > 0 && count > s.cfg.MaxPartials {
		s.drop("partial_limit")
		return
	}

	s.metrics.TranscriptsPartial.Inc()
	s.send(Event{Type: EventTranscript, SessionID: s.id, Text: text})
	if s.events != nil {
		_ = s.events.PublishPartial(context.Background(), s.id, models.TranscriptPartial{
			EventType: "note.transcript.partial",
			UserID:    s.userID,
			SessionID: s.id,
			Timestamp: time.Now().UnixMilli(),
			Text:      text,
		})
	}
}

// OnFinal accumulates a final transcript fragment and relays it. At most
// one final per utterance.
func (s *Session) OnFinal(text string, confidence float64) {
	if err := s.lifecycle.AllowFinal(); err != nil {
		s.log.Debug().Err(err).Str("state", s.lifecycle.State().String()).Msg("final suppressed")
		return
	}

	s.mu.Lock()
	endMs := s.audioBytes / bytesPerMs
	s.finals = append(s.finals, finalFragment{text: text, confidence: confidence, endMs: endMs})
	s.mu.Unlock()
	select {
	case s.finalCh <- struct{}{}:
	default:
	}

	s.metrics.TranscriptsFinal.Inc()
	s.send(Event{Type: EventTranscript, SessionID: s.id, Text: text, IsFinal: true, Confidence: confidence})
	if s.events != nil {
		_ = s.events.PublishFinal(context.Background(), s.id, models.TranscriptFinal{
			EventType:     "note.transcript.final",
			UserID:        s.userID,
			SessionID:     s.id,
			Timestamp:     time.Now().UnixMilli(),
			Text:          text,
			Confidence:    confidence,
			AudioOffsetMs: endMs,
		})
	}
}

// OnEndOfUtterance reopens the session for the next utterance. Finals keep
// accumulating; one note comes out of the whole session.
func (s *Session) OnEndOfUtterance() {
	s.mu.Lock()
	s.partialCount = 0
	s.mu.Unlock()
	utterance := s.lifecycle.NextUtterance()
	s.log.Debug().Int("utterance", utterance).Msg("end of utterance")
}

// OnError drops the session. The buffered audio survives for the batch
// fallback when the connection winds down.
func (s *Session) OnError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.log.Warn().Err(err).Msg("stt stream error")
	s.drop("stt_error")
}

func (s *Session) send(ev Event) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ev); err != nil {
		s.log.Debug().Err(err).Str("eventType", ev.Type).Msg("emit failed")
	}
}

func assembleTranscript(finals []finalFragment) models.Transcript {
	parts := make([]string, 0, len(finals))
	segments := make([]models.TranscriptSegment, 0, len(finals))
	start := int64(0)
	for _, f := range finals {
		parts = append(parts, f.text)
		segments = append(segments, models.TranscriptSegment{
			StartMs:    start,
			EndMs:      f.endMs,
			Text:       f.text,
			Confidence: f.confidence,
		})
		start = f.endMs
	}
	return models.Transcript{
		Text:     strings.Join(parts, " "),
		Segments: segments,
		Source:   models.SourceStreaming,
	}
}
