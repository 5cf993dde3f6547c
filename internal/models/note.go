// Package models defines the data structures for notes, processing jobs and
// pipeline events.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"voice-notes-service/internal/notes"
)

// TranscriptSource records which path produced a note's transcript.
type TranscriptSource string

const (
	SourceBatch     TranscriptSource = "batch"
	SourceStreaming TranscriptSource = "streaming"
	SourceText      TranscriptSource = "text"
)

// TranscriptSegment is one timed span of a transcript. Segments are immutable
// once the transcription stage completes.
type TranscriptSegment struct {
	StartMs    int64   `json:"startMs"`
	EndMs      int64   `json:"endMs"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcript is the ordered output of the transcription stage.
type Transcript struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
	Source   TranscriptSource    `json:"source"`
}

// Entity is a named entity pulled out of a transcript.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // person, place, org, date, other
}

// CandidateTask is an action item the extraction stage proposed.
type CandidateTask struct {
	Title   string `json:"title"`
	DueHint string `json:"dueHint,omitempty"`
}

// Extraction is the structured output of the LLM extraction stage.
type Extraction struct {
	Summary  string          `json:"summary"`
	Entities []Entity        `json:"entities,omitempty"`
	Tasks    []CandidateTask `json:"tasks,omitempty"`
}

// Note is a voice (or text) note moving through the processing pipeline.
type Note struct {
	ID         string      `json:"id"`
	UserID     string      `json:"userId"`
	AudioRef   string      `json:"audioRef,omitempty"` // empty for text-only notes
	State      notes.State `json:"state"`
	Transcript *Transcript `json:"transcript,omitempty"`
	Extraction *Extraction `json:"extraction,omitempty"`
	// Embedded is set once the note's vector reached the index.
	Embedded       bool       `json:"embedded"`
	FailureCode    string     `json:"failureCode,omitempty"`
	FailureMessage string     `json:"failureMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// NewNote creates a note in the RECEIVED state.
func NewNote(userID, audioRef string) *Note {
	now := time.Now().UTC()
	return &Note{
		ID:        uuid.New().String(),
		UserID:    userID,
		AudioRef:  audioRef,
		State:     notes.StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IdempotencyKey derives the deterministic job key for a note and its input.
// Submitting the same input for the same note always yields the same key.
func IdempotencyKey(noteID string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(noteID))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}
