// Package store provides SQLite persistence for notes and processing jobs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"

	"voice-notes-service/internal/models"
	"voice-notes-service/internal/notes"
)

var (
	// ErrNotFound is returned when a note or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned when a compare-and-swap update loses the
	// race; the caller should reload and retry.
	ErrStaleVersion = errors.New("stale job version")
	// ErrDuplicateActiveJob is returned when an insert collides with the
	// unique index over active idempotency keys; the caller should load
	// and return the existing job.
	ErrDuplicateActiveJob = errors.New("an active job already exists for this input")
)

// SQLite extended result codes for unique-constraint violations.
const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqliteConstraintUnique || se.Code() == sqliteConstraintPrimaryKey
	}
	return false
}

// Store wraps the SQLite database holding notes, jobs, the ledger and the index.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notes (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			audio_ref       TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL,
			transcript      TEXT,
			extraction      TEXT,
			embedded        INTEGER NOT NULL DEFAULT 0,
			failure_code    TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			deleted_at      TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id);

		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			note_id         TEXT NOT NULL REFERENCES notes(id),
			user_id         TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			state           TEXT NOT NULL,
			stage           TEXT NOT NULL,
			attempts        TEXT NOT NULL DEFAULT '{}',
			version         INTEGER NOT NULL,
			claimed_by      TEXT NOT NULL DEFAULT '',
			claimed_at      TIMESTAMP,
			next_run_at     TIMESTAMP NOT NULL,
			failure_code    TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_key ON jobs(idempotency_key);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_key
			ON jobs(idempotency_key) WHERE state NOT IN ('DONE', 'FAILED');
		CREATE INDEX IF NOT EXISTS idx_jobs_note ON jobs(note_id);
	`)
	return err
}

// DB exposes the underlying handle so the ledger and index can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- notes ---

// CreateNote inserts a new note.
func (s *Store) CreateNote(ctx context.Context, n *models.Note) error {
	transcript, extraction, err := marshalPayloads(n)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notes (id, user_id, audio_ref, state, transcript, extraction,
			embedded, failure_code, failure_message, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.AudioRef, n.State.String(), transcript, extraction,
		boolToInt(n.Embedded), n.FailureCode, n.FailureMessage, n.CreatedAt, n.UpdatedAt, n.DeletedAt)
	return err
}

// GetNote loads a note by ID.
func (s *Store) GetNote(ctx context.Context, id string) (*models.Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, audio_ref, state, transcript, extraction,
			embedded, failure_code, failure_message, created_at, updated_at, deleted_at
		FROM notes WHERE id = ?
	`, id)
	return scanNote(row)
}

// UpdateNote persists all mutable note fields and bumps updated_at.
func (s *Store) UpdateNote(ctx context.Context, n *models.Note) error {
	return updateNote(ctx, s.db, n)
}

// UpdateNoteTx is UpdateNote inside a caller-owned transaction.
func (s *Store) UpdateNoteTx(ctx context.Context, tx *sql.Tx, n *models.Note) error {
	return updateNote(ctx, tx, n)
}

func updateNote(ctx context.Context, q execer, n *models.Note) error {
	transcript, extraction, err := marshalPayloads(n)
	if err != nil {
		return err
	}
	n.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE notes SET state = ?, transcript = ?, extraction = ?, embedded = ?,
			failure_code = ?, failure_message = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?
	`, n.State.String(), transcript, extraction, boolToInt(n.Embedded),
		n.FailureCode, n.FailureMessage, n.UpdatedAt, n.DeletedAt, n.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// SoftDeleteNote marks a note deleted without purging derived data.
func (s *Store) SoftDeleteNote(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// NotesByIDs loads a batch of notes preserving no particular order.
func (s *Store) NotesByIDs(ctx context.Context, ids []string) (map[string]*models.Note, error) {
	out := make(map[string]*models.Note, len(ids))
	for _, id := range ids {
		n, err := s.GetNote(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, nil
}

// --- jobs ---

// CreateJob inserts a new processing job.
func (s *Store) CreateJob(ctx context.Context, j *models.ProcessingJob) error {
	attempts, err := json.Marshal(j.Attempts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, note_id, user_id, idempotency_key, state, stage,
			attempts, version, claimed_by, claimed_at, next_run_at,
			failure_code, failure_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.NoteID, j.UserID, j.IdempotencyKey, j.State.String(), string(j.Stage),
		string(attempts), j.Version, j.ClaimedBy, j.ClaimedAt, j.NextRunAt,
		j.FailureCode, j.FailureMessage, j.CreatedAt, j.UpdatedAt)
	if isUniqueViolation(err) {
		// The unique index over active idempotency keys caught a
		// concurrent submission of the same input.
		return ErrDuplicateActiveJob
	}
	return err
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// ActiveJobByKey returns the non-terminal job with the given idempotency key,
// or ErrNotFound. At most one such job exists at a time.
func (s *Store) ActiveJobByKey(ctx context.Context, key string) (*models.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx,
		jobSelect+` WHERE idempotency_key = ? AND state NOT IN ('DONE', 'FAILED') ORDER BY created_at LIMIT 1`, key)
	return scanJob(row)
}

// LatestJobByNote returns the most recent job for a note.
func (s *Store) LatestJobByNote(ctx context.Context, noteID string) (*models.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx,
		jobSelect+` WHERE note_id = ? ORDER BY created_at DESC LIMIT 1`, noteID)
	return scanJob(row)
}

// UpdateJobCAS persists all mutable job fields guarded by the version check.
// The in-memory version is incremented on success; a lost race returns
// ErrStaleVersion and leaves the job untouched.
func (s *Store) UpdateJobCAS(ctx context.Context, j *models.ProcessingJob) error {
	return updateJobCAS(ctx, s.db, j)
}

// UpdateJobCASTx is UpdateJobCAS inside a caller-owned transaction.
func (s *Store) UpdateJobCASTx(ctx context.Context, tx *sql.Tx, j *models.ProcessingJob) error {
	return updateJobCAS(ctx, tx, j)
}

func updateJobCAS(ctx context.Context, q execer, j *models.ProcessingJob) error {
	attempts, err := json.Marshal(j.Attempts)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE jobs SET state = ?, stage = ?, attempts = ?, version = version + 1,
			claimed_by = ?, claimed_at = ?, next_run_at = ?,
			failure_code = ?, failure_message = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, j.State.String(), string(j.Stage), string(attempts),
		j.ClaimedBy, j.ClaimedAt, j.NextRunAt,
		j.FailureCode, j.FailureMessage, now,
		j.ID, j.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleVersion
	}
	j.Version++
	j.UpdatedAt = now
	return nil
}

// StaleClaimedJobs lists non-terminal jobs whose worker claim is older than
// threshold (or absent but overdue). These are eligible for automatic re-claim.
func (s *Store) StaleClaimedJobs(ctx context.Context, now time.Time, threshold time.Duration) ([]*models.ProcessingJob, error) {
	cutoff := now.Add(-threshold)
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE state IN ('TRANSCRIBING', 'EXTRACTING', 'EMBEDDING', 'RETRYING')
			AND claimed_by != '' AND claimed_at <= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InTx runs fn in one transaction on the shared database. The ledger and
// the index share the same handle, so cross-package writes can land
// atomically with job and note updates.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- scanning helpers ---

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const jobSelect = `
	SELECT id, note_id, user_id, idempotency_key, state, stage, attempts, version,
		claimed_by, claimed_at, next_run_at, failure_code, failure_message,
		created_at, updated_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*models.Note, error) {
	var n models.Note
	var state string
	var transcript, extraction sql.NullString
	var embedded int
	err := row.Scan(&n.ID, &n.UserID, &n.AudioRef, &state, &transcript, &extraction,
		&embedded, &n.FailureCode, &n.FailureMessage, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.State, err = notes.ParseState(state); err != nil {
		return nil, err
	}
	n.Embedded = embedded != 0
	if transcript.Valid && transcript.String != "" {
		n.Transcript = &models.Transcript{}
		if err := json.Unmarshal([]byte(transcript.String), n.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if extraction.Valid && extraction.String != "" {
		n.Extraction = &models.Extraction{}
		if err := json.Unmarshal([]byte(extraction.String), n.Extraction); err != nil {
			return nil, fmt.Errorf("decode extraction: %w", err)
		}
	}
	return &n, nil
}

func scanJob(row rowScanner) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	var state, stage, attempts string
	var claimedAt sql.NullTime
	err := row.Scan(&j.ID, &j.NoteID, &j.UserID, &j.IdempotencyKey, &state, &stage,
		&attempts, &j.Version, &j.ClaimedBy, &claimedAt, &j.NextRunAt,
		&j.FailureCode, &j.FailureMessage, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if j.State, err = notes.ParseState(state); err != nil {
		return nil, err
	}
	j.Stage = notes.Stage(stage)
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	if err := json.Unmarshal([]byte(attempts), &j.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	return &j, nil
}

func marshalPayloads(n *models.Note) (transcript, extraction any, err error) {
	if n.Transcript != nil {
		b, err := json.Marshal(n.Transcript)
		if err != nil {
			return nil, nil, err
		}
		transcript = string(b)
	}
	if n.Extraction != nil {
		b, err := json.Marshal(n.Extraction)
		if err != nil {
			return nil, nil, err
		}
		extraction = string(b)
	}
	return transcript, extraction, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
