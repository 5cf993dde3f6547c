package models

import (
	"time"

	"github.com/google/uuid"

	"voice-notes-service/internal/notes"
)

// Failure reason codes surfaced to callers. Stable, machine-readable.
const (
	ReasonBillingRejected   = "billing_rejected"
	ReasonContentPolicy     = "content_policy"
	ReasonUnsupportedFormat = "unsupported_format"
	ReasonUserCancelled     = "user_cancelled"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonInternal          = "internal_error"
)

// ProcessingJob is one processing attempt for a note. A job survives process
// restarts; the version column serialises concurrent workers via
// compare-and-swap updates.
type ProcessingJob struct {
	ID             string              `json:"id"`
	NoteID         string              `json:"noteId"`
	UserID         string              `json:"userId"`
	IdempotencyKey string              `json:"idempotencyKey"`
	State          notes.State         `json:"state"`
	Stage          notes.Stage         `json:"stage"`
	Attempts       map[notes.Stage]int `json:"attempts"`
	Version        int64               `json:"version"`
	// ClaimedBy/ClaimedAt implement the best-effort exclusive worker claim.
	// A claim older than the staleness threshold is eligible for re-claim.
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`
	NextRunAt      time.Time  `json:"nextRunAt"`
	FailureCode    string     `json:"failureCode,omitempty"`
	FailureMessage string     `json:"failureMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// NewProcessingJob creates a job for a note in the RECEIVED state.
func NewProcessingJob(note *Note, idempotencyKey string) *ProcessingJob {
	now := time.Now().UTC()
	return &ProcessingJob{
		ID:             uuid.New().String(),
		NoteID:         note.ID,
		UserID:         note.UserID,
		IdempotencyKey: idempotencyKey,
		State:          notes.StateReceived,
		Stage:          notes.StageTranscribe,
		Attempts:       make(map[notes.Stage]int),
		Version:        1,
		NextRunAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AttemptsFor returns the attempt count for a stage.
func (j *ProcessingJob) AttemptsFor(stage notes.Stage) int {
	if j.Attempts == nil {
		return 0
	}
	return j.Attempts[stage]
}

// RecordAttempt increments the attempt counter for a stage.
func (j *ProcessingJob) RecordAttempt(stage notes.Stage) {
	if j.Attempts == nil {
		j.Attempts = make(map[notes.Stage]int)
	}
	j.Attempts[stage]++
}

// Claimed reports whether the job holds a worker claim younger than threshold.
func (j *ProcessingJob) Claimed(now time.Time, threshold time.Duration) bool {
	if j.ClaimedBy == "" || j.ClaimedAt == nil {
		return false
	}
	return now.Sub(*j.ClaimedAt) < threshold
}
