package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voice-notes-service/internal/adapters"
	"voice-notes-service/internal/ledger"
	"voice-notes-service/internal/models"
	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/store"
)

// Advance executes exactly one stage for a job: claim under the version
// check, reserve budget, run the stage's adapter with a timeout, then
// commit + persist + schedule the next stage, or release + retry/fail.
// No database transaction is held across the adapter call.
func (o *Orchestrator) Advance(ctx context.Context, jobID, workerID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return o.queue.Ack(jobID)
	}
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return o.queue.Ack(jobID)
	}

	now := time.Now().UTC()
	if job.Claimed(now, o.cfg.ClaimTTL) && job.ClaimedBy != workerID {
		return o.queue.Nack(jobID, now.Add(o.cfg.PollInterval))
	}
	if job.NextRunAt.After(now) {
		return o.queue.Nack(jobID, job.NextRunAt)
	}

	log := logging.WithJob(job.ID, job.NoteID, string(job.Stage))

	// Claim the job and enter the stage's state in one CAS write. A
	// concurrent worker loses the version race here and backs off.
	target := notes.StageState(job.Stage)
	if err := notes.Transition(job.State, target); err != nil {
		return o.abort(ctx, job, fmt.Sprintf("cannot enter stage %s from %s", job.Stage, job.State))
	}
	job.State = target
	job.ClaimedBy = workerID
	job.ClaimedAt = &now
	job.UpdatedAt = now
	if err := o.store.UpdateJobCAS(ctx, job); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			log.Debug().Str("worker", workerID).Msg("lost claim race")
			return o.queue.Nack(jobID, now.Add(o.cfg.PollInterval))
		}
		return err
	}

	n, err := o.store.GetNote(ctx, job.NoteID)
	if err != nil {
		return o.abort(ctx, job, fmt.Sprintf("note load failed: %v", err))
	}
	if n.State != target {
		if err := notes.Transition(n.State, target); err != nil {
			return o.abort(ctx, job, fmt.Sprintf("note state %s cannot enter stage %s", n.State, job.Stage))
		}
		n.State = target
		n.UpdatedAt = now
		if err := o.store.UpdateNote(ctx, n); err != nil {
			return err
		}
	}

	return o.runStage(ctx, job, n)
}

// runStage executes the job's current stage end to end.
func (o *Orchestrator) runStage(ctx context.Context, job *models.ProcessingJob, n *models.Note) error {
	stage := job.Stage
	log := logging.WithJob(job.ID, n.ID, string(stage))
	start := time.Now()

	estimated, err := o.estimate(ctx, n, stage)
	if err != nil {
		return o.stageFailed(ctx, job, n, nil, err, start)
	}

	handle, err := o.ledger.Reserve(ctx, job.UserID, job.ID, stage, estimated)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		log.Warn().Int64("estimated", estimated).Msg("stage rejected by ledger")
		return o.failJob(ctx, job, n, models.ReasonBillingRejected, err.Error())
	}
	if err != nil {
		return err
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	apply, actual, err := o.execute(stageCtx, n, stage)
	cancel()
	if err != nil {
		return o.stageFailed(ctx, job, n, handle, err, start)
	}

	// Late-result discard: the job may have been cancelled while the
	// adapter call was in flight. Re-read before persisting anything.
	cur, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if cur.State.IsTerminal() || cur.Stage != stage {
		log.Info().Str("state", cur.State.String()).Msg("stage result discarded; job moved on")
		if relErr := o.ledger.Release(ctx, handle); relErr != nil {
			return relErr
		}
		return o.queue.Ack(job.ID)
	}
	*job = *cur

	now := time.Now().UTC()
	apply(n)

	next, hasNext := notes.NextStage(stage)
	if hasNext {
		nextState := notes.StageState(next)
		job.Stage = next
		job.State = nextState
		n.State = nextState
	} else {
		job.State = notes.StateDone
		n.State = notes.StateDone
	}
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	job.NextRunAt = now
	job.UpdatedAt = now
	n.UpdatedAt = now

	// The debit, the job CAS and the stage output land in one transaction:
	// a job never enters the next stage without its output persisted and
	// paid for, and a crash rolls all three back together.
	err = o.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := o.ledger.CommitTx(ctx, tx, handle, actual); err != nil {
			return err
		}
		if err := o.store.UpdateJobCASTx(ctx, tx, job); err != nil {
			return err
		}
		return o.store.UpdateNoteTx(ctx, tx, n)
	})
	if errors.Is(err, store.ErrStaleVersion) || errors.Is(err, ledger.ErrReservationReleased) {
		// Cancel raced in after the adapter call; everything rolled back
		// and the winner's ReleaseOpen returns the hold.
		log.Warn().Err(err).Msg("post-stage update lost to a concurrent terminal transition")
		return o.queue.Ack(job.ID)
	}
	if err != nil {
		return err
	}

	o.metrics.RecordStageResult(string(stage), "success", time.Since(start).Seconds())
	o.publishStageCompleted(ctx, job, n, stage)
	log.Info().Int64("actual", actual).Dur("took", time.Since(start)).Msg("stage completed")

	if hasNext {
		return o.queue.Nack(job.ID, now)
	}
	o.metrics.JobsCompleted.Inc()
	log.Info().Msg("note done")
	return o.queue.Ack(job.ID)
}

// estimate prices the stage before it runs.
func (o *Orchestrator) estimate(ctx context.Context, n *models.Note, stage notes.Stage) (int64, error) {
	switch stage {
	case notes.StageTranscribe:
		data, err := o.audio.Load(ctx, n.AudioRef)
		if err != nil {
			return 0, adapters.Permanent(adapters.CodeUnsupportedFormat,
				fmt.Errorf("audio unavailable: %w", err))
		}
		return o.est.TranscribeEstimate(len(data)), nil
	case notes.StageExtract:
		return o.est.ExtractEstimate(transcriptText(n)), nil
	case notes.StageEmbed:
		return o.est.EmbedCost(), nil
	default:
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
}

// execute runs the stage's adapter call. It returns a mutation to apply to
// the note once the result is known to still be wanted, plus the actual
// cost to commit.
func (o *Orchestrator) execute(ctx context.Context, n *models.Note, stage notes.Stage) (func(*models.Note), int64, error) {
	switch stage {
	case notes.StageTranscribe:
		data, err := o.audio.Load(ctx, n.AudioRef)
		if err != nil {
			return nil, 0, adapters.Permanent(adapters.CodeUnsupportedFormat,
				fmt.Errorf("audio unavailable: %w", err))
		}
		start := time.Now()
		res, err := o.transcriber.Transcribe(ctx, data, o.sttOpts)
		o.recordAdapter("transcription", err, start)
		if err != nil {
			return nil, 0, err
		}
		transcript := &models.Transcript{
			Text:     res.Text,
			Segments: res.Segments,
			Source:   models.SourceBatch,
		}
		return func(n *models.Note) { n.Transcript = transcript },
			o.est.TranscribeActual(res.AudioSeconds, len(data)), nil

	case notes.StageExtract:
		text := transcriptText(n)
		if text == "" {
			return nil, 0, adapters.Permanent(adapters.CodeInvalidOutput,
				fmt.Errorf("no transcript to extract from"))
		}
		start := time.Now()
		res, err := o.extractor.Extract(ctx, text)
		o.recordAdapter("extraction", err, start)
		if err != nil {
			return nil, 0, err
		}
		ex := res.Extraction
		return func(n *models.Note) { n.Extraction = &ex },
			o.est.ExtractActual(text, res.TokensUsed), nil

	case notes.StageEmbed:
		input := embeddingInput(n)
		if input == "" {
			return nil, 0, adapters.Permanent(adapters.CodeInvalidOutput,
				fmt.Errorf("nothing to embed"))
		}
		start := time.Now()
		vec, err := o.embedder.EmbedDocument(ctx, input)
		o.recordAdapter("embedding", err, start)
		if err != nil {
			return nil, 0, err
		}
		// Index writes are part of the stage: the note is never DONE
		// without its vector in the index. Write failures are transient and
		// leave the note in EMBEDDING for retry.
		if err := o.index.UpsertEmbedding(ctx, n.ID, n.UserID, vec); err != nil {
			return nil, 0, adapters.Transient(adapters.CodeUnavailable, err)
		}
		if err := o.index.UpsertDocument(ctx, n.ID, n.UserID, searchText(n)); err != nil {
			return nil, 0, adapters.Transient(adapters.CodeUnavailable, err)
		}
		return func(n *models.Note) { n.Embedded = true }, o.est.EmbedCost(), nil

	default:
		return nil, 0, fmt.Errorf("unknown stage %q", stage)
	}
}

// stageFailed releases the stage's hold and either schedules a retry with
// backoff or fails the job.
func (o *Orchestrator) stageFailed(ctx context.Context, job *models.ProcessingJob, n *models.Note, handle *ledger.Handle, stageErr error, start time.Time) error {
	stage := job.Stage
	log := logging.WithJob(job.ID, n.ID, string(stage))

	if handle != nil {
		if err := o.ledger.Release(ctx, handle); err != nil {
			return err
		}
	}

	class, code := adapters.Classify(stageErr)
	o.metrics.RecordStageResult(string(stage), "failure", time.Since(start).Seconds())

	if class == adapters.ClassPermanent {
		log.Warn().Err(stageErr).Str("code", code).Msg("stage failed permanently")
		return o.failJob(ctx, job, n, reasonForCode(code), stageErr.Error())
	}

	job.RecordAttempt(stage)
	attempts := job.AttemptsFor(stage)
	if attempts >= o.cfg.MaxAttempts {
		log.Warn().Err(stageErr).Int("attempts", attempts).Msg("stage retries exhausted")
		return o.failJob(ctx, job, n, models.ReasonRetriesExhausted,
			fmt.Sprintf("stage %s failed %d times: %v", stage, attempts, stageErr))
	}

	now := time.Now().UTC()
	delay := o.backoff(attempts)
	job.State = notes.StateRetrying
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	job.NextRunAt = now.Add(delay)
	job.UpdatedAt = now
	if err := o.store.UpdateJobCAS(ctx, job); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			return o.queue.Nack(job.ID, now.Add(o.cfg.PollInterval))
		}
		return err
	}
	n.State = notes.StateRetrying
	n.UpdatedAt = now
	if err := o.store.UpdateNote(ctx, n); err != nil {
		return err
	}

	o.metrics.RecordRetry(string(stage))
	log.Warn().Err(stageErr).Int("attempt", attempts).Dur("backoff", delay).Msg("stage retry scheduled")
	return o.queue.Nack(job.ID, job.NextRunAt)
}

// failJob moves the job and note to FAILED with a reason code, releases
// anything still held, and emits the failure event.
func (o *Orchestrator) failJob(ctx context.Context, job *models.ProcessingJob, n *models.Note, reason, message string) error {
	now := time.Now().UTC()
	job.State = notes.StateFailed
	job.FailureCode = reason
	job.FailureMessage = message
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	job.UpdatedAt = now
	n.State = notes.StateFailed
	n.FailureCode = reason
	n.FailureMessage = message
	n.UpdatedAt = now

	err := o.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := o.store.UpdateJobCASTx(ctx, tx, job); err != nil {
			return err
		}
		return o.store.UpdateNoteTx(ctx, tx, n)
	})
	if errors.Is(err, store.ErrStaleVersion) {
		return o.queue.Nack(job.ID, now.Add(o.cfg.PollInterval))
	}
	if err != nil {
		return err
	}
	if err := o.ledger.ReleaseOpen(ctx, job.ID); err != nil {
		return err
	}

	o.metrics.RecordJobFailed(reason)
	o.publishFailed(ctx, job, n)
	log := logging.WithJob(job.ID, n.ID, string(job.Stage))
	log.Warn().Str("reason", reason).Str("message", message).Msg("job failed")
	return o.queue.Ack(job.ID)
}

// abort handles states that should be unreachable. The job is failed with
// internal_error rather than left looping in the queue.
func (o *Orchestrator) abort(ctx context.Context, job *models.ProcessingJob, message string) error {
	n, err := o.store.GetNote(ctx, job.NoteID)
	if err != nil {
		// No note to fail alongside; drop the task.
		o.log.Error().Str("jobId", job.ID).Str("detail", message).Msg("aborting orphaned job")
		return o.queue.Ack(job.ID)
	}
	return o.failJob(ctx, job, n, models.ReasonInternal, message)
}

func (o *Orchestrator) backoff(attempts int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	if d > o.cfg.BackoffMax {
		return o.cfg.BackoffMax
	}
	return d
}

func (o *Orchestrator) recordAdapter(adapter string, err error, start time.Time) {
	class := "success"
	if err != nil {
		c, _ := adapters.Classify(err)
		class = c.String()
	}
	o.metrics.RecordAdapterCall(adapter, "default", class, time.Since(start).Seconds())
}

func reasonForCode(code string) string {
	switch code {
	case adapters.CodeContentPolicy:
		return models.ReasonContentPolicy
	case adapters.CodeUnsupportedFormat:
		return models.ReasonUnsupportedFormat
	default:
		return models.ReasonInternal
	}
}

func transcriptText(n *models.Note) string {
	if n.Transcript == nil {
		return ""
	}
	return n.Transcript.Text
}

// embeddingInput picks what gets embedded: the extraction summary when
// present, the raw transcript otherwise. Fixed choice, applied everywhere.
func embeddingInput(n *models.Note) string {
	if n.Extraction != nil && n.Extraction.Summary != "" {
		return n.Extraction.Summary
	}
	return transcriptText(n)
}

// searchText is what the keyword index sees: transcript plus summary.
func searchText(n *models.Note) string {
	text := transcriptText(n)
	if n.Extraction != nil && n.Extraction.Summary != "" {
		if text != "" {
			text += "\n"
		}
		text += n.Extraction.Summary
	}
	return text
}
