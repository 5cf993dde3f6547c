// Package orchestrator drives notes through the processing pipeline:
// transcribe, extract, embed. It owns job submission and idempotency, the
// single-stage advance loop, ledger discipline around every metered stage,
// cancellation, crash recovery, and the streaming-transcription
// reconciliation path.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voice-notes-service/internal/adapters/embedding"
	"voice-notes-service/internal/adapters/extraction"
	"voice-notes-service/internal/adapters/transcription"
	"voice-notes-service/internal/audio"
	"voice-notes-service/internal/config"
	"voice-notes-service/internal/events"
	"voice-notes-service/internal/index"
	"voice-notes-service/internal/ledger"
	"voice-notes-service/internal/models"
	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/observability/metrics"
	"voice-notes-service/internal/queue"
	"voice-notes-service/internal/store"
)

// ConflictError is returned when a note is already DONE and no
// re-processing was requested.
type ConflictError struct {
	NoteID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("note %s already processed; pass reprocess to run again", e.NoteID)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store       *store.Store
	Ledger      *ledger.Ledger
	Queue       *queue.Queue
	Index       *index.Index
	Audio       audio.Store
	Events      *events.Publisher
	Transcriber transcription.Transcriber
	Extractor   extraction.Extractor
	Embedder    embedding.Embedder
	Pipeline    config.PipelineConfig
	Costs       config.CostConfig
	STT         transcription.Options
}

// Orchestrator advances processing jobs one stage per invocation.
type Orchestrator struct {
	store       *store.Store
	ledger      *ledger.Ledger
	queue       *queue.Queue
	index       *index.Index
	audio       audio.Store
	events      *events.Publisher
	transcriber transcription.Transcriber
	extractor   extraction.Extractor
	embedder    embedding.Embedder
	cfg         config.PipelineConfig
	est         Estimator
	sttOpts     transcription.Options
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		store:       opts.Store,
		ledger:      opts.Ledger,
		queue:       opts.Queue,
		index:       opts.Index,
		audio:       opts.Audio,
		events:      opts.Events,
		transcriber: opts.Transcriber,
		extractor:   opts.Extractor,
		embedder:    opts.Embedder,
		cfg:         opts.Pipeline,
		est:         NewEstimator(opts.Costs),
		sttOpts:     opts.STT,
		metrics:     metrics.DefaultMetrics,
		log:         logging.WithComponent("orchestrator"),
	}
}

// SubmitRequest describes one intake. Exactly one of AudioRef or Text is
// set for new notes; NoteID targets an existing note for re-processing.
type SubmitRequest struct {
	UserID    string
	NoteID    string
	AudioRef  string
	Text      string
	Reprocess bool
}

// Submit creates or reuses a processing job for a note. Submission is
// idempotent per (note, input): resubmitting the same input while a job is
// in flight returns the existing job instead of creating a duplicate.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*models.ProcessingJob, *models.Note, error) {
	text := strings.TrimSpace(req.Text)
	if req.AudioRef == "" && text == "" && req.NoteID == "" {
		return nil, nil, fmt.Errorf("submit requires audio, text, or an existing note")
	}
	if req.AudioRef != "" && text != "" {
		return nil, nil, fmt.Errorf("submit accepts audio or text, not both")
	}

	var n *models.Note
	isNew := req.NoteID == ""
	if isNew {
		n = models.NewNote(req.UserID, req.AudioRef)
	} else {
		var err error
		n, err = o.store.GetNote(ctx, req.NoteID)
		if err != nil {
			return nil, nil, err
		}
		if n.UserID != req.UserID {
			return nil, nil, store.ErrNotFound
		}
		if req.AudioRef != "" {
			n.AudioRef = req.AudioRef
		}
	}

	input := n.AudioRef
	if input == "" {
		input = text
	}
	key := models.IdempotencyKey(n.ID, []byte(input))

	if existing, err := o.store.ActiveJobByKey(ctx, key); err == nil {
		o.metrics.JobsDeduplicated.Inc()
		o.log.Debug().Str("jobId", existing.ID).Str("noteId", n.ID).Msg("submission deduplicated")
		return existing, n, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	if n.State == notes.StateDone && !req.Reprocess {
		return nil, nil, &ConflictError{NoteID: n.ID}
	}
	if n.State.IsTerminal() {
		// Explicit re-processing starts the note over.
		n.State = notes.StateReceived
		n.Transcript = nil
		n.Extraction = nil
		n.Embedded = false
		n.FailureCode = ""
		n.FailureMessage = ""
	}

	job := models.NewProcessingJob(n, key)
	if text != "" {
		// Text-only intake has nothing to transcribe: the text is the
		// transcript and the job starts at extraction.
		n.Transcript = &models.Transcript{Text: text, Source: models.SourceText}
		job.Stage = notes.StageExtract
	}

	n.UpdatedAt = time.Now().UTC()
	if isNew {
		if err := o.store.CreateNote(ctx, n); err != nil {
			return nil, nil, err
		}
	} else {
		if err := o.store.UpdateNote(ctx, n); err != nil {
			return nil, nil, err
		}
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateActiveJob) {
			// A concurrent identical submission won the insert; the unique
			// index over active keys caught ours. Return the winner's job.
			existing, exErr := o.store.ActiveJobByKey(ctx, key)
			if exErr != nil {
				return nil, nil, err
			}
			o.metrics.JobsDeduplicated.Inc()
			o.log.Debug().Str("jobId", existing.ID).Str("noteId", n.ID).Msg("submission deduplicated")
			return existing, n, nil
		}
		return nil, nil, err
	}
	if err := o.queue.Enqueue(job.ID, job.NextRunAt); err != nil {
		return nil, nil, err
	}

	o.metrics.JobsSubmitted.Inc()
	log := logging.WithJob(job.ID, n.ID, string(job.Stage))
	log.Info().Msg("job submitted")
	return job, n, nil
}

// Cancel marks a job FAILED with reason user_cancelled and releases any
// open reservation. An in-flight adapter call is abandoned; its late
// result is discarded by the state re-check before persisting.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return notes.ErrTerminalState
	}
	n, err := o.store.GetNote(ctx, job.NoteID)
	if err != nil {
		return err
	}
	if err := o.failJob(ctx, job, n, models.ReasonUserCancelled, "cancelled by user"); err != nil {
		return err
	}
	o.metrics.JobsCancelled.Inc()
	return nil
}

// Retry re-enters a FAILED job into RETRYING at its failed stage. The
// stage's attempt counter resets so the retry gets a fresh bounded run.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != notes.StateFailed {
		return nil, fmt.Errorf("%w: job is %s, only FAILED jobs can be retried",
			notes.ErrInvalidTransition, job.State)
	}
	n, err := o.store.GetNote(ctx, job.NoteID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.State = notes.StateRetrying
	job.Attempts[job.Stage] = 0
	job.FailureCode = ""
	job.FailureMessage = ""
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	job.NextRunAt = now
	job.UpdatedAt = now
	if err := o.store.UpdateJobCAS(ctx, job); err != nil {
		return nil, err
	}

	n.State = notes.StateRetrying
	n.FailureCode = ""
	n.FailureMessage = ""
	n.UpdatedAt = now
	if err := o.store.UpdateNote(ctx, n); err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(job.ID, now); err != nil {
		return nil, err
	}

	log := logging.WithJob(job.ID, job.NoteID, string(job.Stage))
	log.Info().Msg("job retried by operator")
	return job, nil
}

// Recover re-queues non-terminal jobs whose worker claim went stale, and
// releases any reservation the dead worker left open. Run periodically
// and at startup.
func (o *Orchestrator) Recover(ctx context.Context) error {
	now := time.Now().UTC()
	stale, err := o.store.StaleClaimedJobs(ctx, now, o.cfg.StaleThreshold)
	if err != nil {
		return err
	}
	for _, job := range stale {
		log := logging.WithJob(job.ID, job.NoteID, string(job.Stage))
		deadWorker := job.ClaimedBy
		if err := o.ledger.ReleaseOpen(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("recovery: release failed")
			continue
		}
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		job.NextRunAt = now
		job.UpdatedAt = now
		if err := o.store.UpdateJobCAS(ctx, job); err != nil {
			// A live worker got there first.
			log.Debug().Err(err).Msg("recovery: job moved on")
			continue
		}
		if err := o.queue.Enqueue(job.ID, now); err != nil {
			log.Error().Err(err).Msg("recovery: enqueue failed")
			continue
		}
		o.metrics.JobsRecovered.Inc()
		log.Warn().Str("was", deadWorker).Msg("stale claim recovered")
	}
	return nil
}

// RunRecovery runs Recover on a ticker until ctx is cancelled.
func (o *Orchestrator) RunRecovery(ctx context.Context) {
	if o.cfg.RecoverEvery <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.RecoverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Recover(ctx); err != nil {
				o.log.Error().Err(err).Msg("recovery pass failed")
			}
		}
	}
}

// CompleteTranscription reconciles a streaming session's accumulated final
// transcript into the note's pipeline, short-circuiting the transcribe
// stage straight into extraction. If the job already moved past
// transcription the result is discarded.
func (o *Orchestrator) CompleteTranscription(ctx context.Context, noteID string, transcript models.Transcript, audioSeconds float64) error {
	job, err := o.store.LatestJobByNote(ctx, noteID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() || job.Stage != notes.StageTranscribe {
		o.log.Debug().Str("noteId", noteID).Str("state", job.State.String()).
			Msg("streaming transcript discarded; job moved on")
		return nil
	}
	n, err := o.store.GetNote(ctx, job.NoteID)
	if err != nil {
		return err
	}

	// Streaming transcription is metered like the batch stage: the work is
	// already done, so the hold is placed and committed in the same step.
	cost := o.est.TranscribeSeconds(audioSeconds)
	handle, err := o.ledger.Reserve(ctx, job.UserID, job.ID, notes.StageTranscribe, cost)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return o.failJob(ctx, job, n, models.ReasonBillingRejected, err.Error())
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.State = notes.StateExtracting
	job.Stage = notes.StageExtract
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	job.NextRunAt = now
	job.UpdatedAt = now
	n.Transcript = &transcript
	n.State = notes.StateExtracting
	n.UpdatedAt = now

	// One transaction serializes against batch workers and keeps the
	// invariant that an EXTRACTING job always has a persisted transcript:
	// the debit, the job CAS and the transcript land together or not at
	// all. The loser of the version race rolls back and discards.
	err = o.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := o.ledger.CommitTx(ctx, tx, handle, cost); err != nil {
			return err
		}
		if err := o.store.UpdateJobCASTx(ctx, tx, job); err != nil {
			return err
		}
		return o.store.UpdateNoteTx(ctx, tx, n)
	})
	if errors.Is(err, store.ErrStaleVersion) {
		if relErr := o.ledger.Release(ctx, handle); relErr != nil {
			return relErr
		}
		o.log.Debug().Str("noteId", noteID).Msg("streaming transcript lost the version race")
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.queue.Enqueue(job.ID, now); err != nil {
		return err
	}

	o.publishStageCompleted(ctx, job, n, notes.StageTranscribe)
	log := logging.WithJob(job.ID, n.ID, string(notes.StageTranscribe))
	log.Info().
		Float64("audioSeconds", audioSeconds).
		Msg("streaming transcript reconciled")
	return nil
}

func (o *Orchestrator) publishStageCompleted(ctx context.Context, job *models.ProcessingJob, n *models.Note, stage notes.Stage) {
	if o.events == nil {
		return
	}
	_ = o.events.PublishStageCompleted(ctx, n.ID, models.StageCompleted{
		EventType: "note.stage.completed",
		NoteID:    n.ID,
		UserID:    n.UserID,
		JobID:     job.ID,
		Stage:     string(stage),
		State:     job.State.String(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (o *Orchestrator) publishFailed(ctx context.Context, job *models.ProcessingJob, n *models.Note) {
	if o.events == nil {
		return
	}
	_ = o.events.PublishFailed(ctx, n.ID, models.NoteFailed{
		EventType: "note.failed",
		NoteID:    n.ID,
		UserID:    n.UserID,
		JobID:     job.ID,
		Reason:    job.FailureCode,
		Message:   job.FailureMessage,
		Timestamp: time.Now().UnixMilli(),
	})
}
