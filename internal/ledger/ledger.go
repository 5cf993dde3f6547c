// Package ledger implements metered billing against a per-user balance.
//
// Every pipeline stage must hold a reservation before it runs. A reservation
// converts to a debit on success (Commit) or returns its hold on failure
// (Release). Balance is only ever moved by Commit; Available subtracts open
// reservations so concurrent stages cannot overdraw.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/observability/metrics"
)

var (
	// ErrInsufficientBalance means the available balance cannot cover the
	// estimated cost. Fail fast, no retry.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnknownReservation means the handle does not reference a stored
	// reservation.
	ErrUnknownReservation = errors.New("unknown reservation")
	// ErrReservationReleased means a commit was attempted on a reservation
	// that was already returned to the user.
	ErrReservationReleased = errors.New("reservation already released")
)

// Reservation statuses.
const (
	statusReserved  = "reserved"
	statusCommitted = "committed"
	statusReleased  = "released"
)

// Handle references a reservation held for one (job, stage) pair.
type Handle struct {
	ID     string
	UserID string
	JobID  string
	Stage  notes.Stage
	Amount int64
}

// Ledger provides reserve/commit/release against a shared SQLite database.
type Ledger struct {
	db      *sql.DB
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates the ledger tables if needed.
func New(db *sql.DB) (*Ledger, error) {
	l := &Ledger{
		db:      db,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("ledger"),
	}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS balances (
			user_id    TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reservations (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			job_id     TEXT NOT NULL,
			stage      TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			actual     INTEGER,
			status     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id, status);
		CREATE INDEX IF NOT EXISTS idx_reservations_job ON reservations(job_id, stage);
	`)
	return err
}

// Credit adds funds to a user's balance, creating the row if needed.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at
	`, userID, amount, now)
	return err
}

// Balance returns the committed balance (ignores open reservations).
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// Available returns balance minus the sum of open reservations.
func (l *Ledger) Available(ctx context.Context, userID string) (int64, error) {
	var available int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT balance FROM balances WHERE user_id = ?), 0)
			- COALESCE((SELECT SUM(amount) FROM reservations WHERE user_id = ? AND status = 'reserved'), 0)
	`, userID, userID).Scan(&available)
	return available, err
}

// Reserve places a hold of estimated units for one (job, stage) pair.
//
// If an open reservation already exists for the pair it is returned as-is, so
// a retried stage never holds funds twice. Returns ErrInsufficientBalance when
// the available balance cannot cover the estimate.
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, stage notes.Stage, estimated int64) (*Handle, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Touch the balance row first so the transaction takes the write lock
	// before reading; concurrent reserves for the same user serialize here.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET updated_at = excluded.updated_at
	`, userID, now); err != nil {
		return nil, err
	}

	// Idempotent retry: reuse an open hold for the same (job, stage).
	var existing Handle
	err = tx.QueryRowContext(ctx, `
		SELECT id, amount FROM reservations
		WHERE job_id = ? AND stage = ? AND status = 'reserved'
	`, jobID, string(stage)).Scan(&existing.ID, &existing.Amount)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		existing.UserID = userID
		existing.JobID = jobID
		existing.Stage = stage
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var balance, open int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM reservations WHERE user_id = ? AND status = 'reserved'`,
		userID).Scan(&open); err != nil {
		return nil, err
	}

	if balance-open < estimated {
		l.metrics.LedgerRejections.Inc()
		return nil, fmt.Errorf("%w: available=%d estimated=%d", ErrInsufficientBalance, balance-open, estimated)
	}

	h := &Handle{
		ID:     uuid.New().String(),
		UserID: userID,
		JobID:  jobID,
		Stage:  stage,
		Amount: estimated,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (id, user_id, job_id, stage, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'reserved', ?, ?)
	`, h.ID, userID, jobID, string(stage), estimated, now, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	l.metrics.LedgerReservations.Inc()
	l.log.Debug().
		Str("userId", userID).
		Str("jobId", jobID).
		Str("stage", string(stage)).
		Int64("estimated", estimated).
		Msg("reservation placed")
	return h, nil
}

// Commit converts a reservation into a debit of actual units. The difference
// between estimate and actual is reconciled atomically with the debit.
// Committing an already-committed reservation is a no-op.
func (l *Ledger) Commit(ctx context.Context, h *Handle, actual int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.CommitTx(ctx, tx, h, actual); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitTx is Commit inside a caller-owned transaction on the shared
// database, so the debit can land atomically with the state that records
// the paid work.
func (l *Ledger) CommitTx(ctx context.Context, tx *sql.Tx, h *Handle, actual int64) error {
	status, err := l.reservationStatus(ctx, tx, h.ID)
	if err != nil {
		return err
	}
	switch status {
	case statusCommitted:
		return nil // crash-recovery replay
	case statusReleased:
		return fmt.Errorf("%w: %s", ErrReservationReleased, h.ID)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE reservations SET status = 'committed', actual = ?, updated_at = ? WHERE id = ?
	`, actual, now, h.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET balance = balance - ?, updated_at = ? WHERE user_id = ?
	`, actual, now, h.UserID); err != nil {
		return err
	}

	l.metrics.LedgerCommits.Inc()
	l.log.Debug().
		Str("userId", h.UserID).
		Str("jobId", h.JobID).
		Str("stage", string(h.Stage)).
		Int64("estimated", h.Amount).
		Int64("actual", actual).
		Msg("reservation committed")
	return nil
}

// Release returns a reservation's hold. Idempotent: releasing a reservation
// that is no longer open is a no-op, because crash-recovery retry logic may
// call it more than once.
func (l *Ledger) Release(ctx context.Context, h *Handle) error {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'released', updated_at = ?
		WHERE id = ? AND status = 'reserved'
	`, now, h.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		l.metrics.LedgerReleases.Inc()
		l.log.Debug().
			Str("userId", h.UserID).
			Str("jobId", h.JobID).
			Str("stage", string(h.Stage)).
			Msg("reservation released")
	}
	return nil
}

// ReleaseOpen releases every open reservation held by a job. Cancel and
// crash recovery use this when no handle survives in memory. Idempotent.
func (l *Ledger) ReleaseOpen(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'released', updated_at = ?
		WHERE job_id = ? AND status = 'reserved'
	`, now, jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		l.metrics.LedgerReleases.Add(float64(n))
		l.log.Debug().Str("jobId", jobID).Int64("count", n).Msg("open reservations released")
	}
	return nil
}

func (l *Ledger) reservationStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM reservations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	return status, err
}

// CommittedTotal sums the committed debits for a job. Used by billing audits:
// for any sequence of failures and retries it must equal the actual costs of
// successful stage executions only.
func (l *Ledger) CommittedTotal(ctx context.Context, jobID string) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(actual), 0) FROM reservations WHERE job_id = ? AND status = 'committed'
	`, jobID).Scan(&total)
	return total, err
}
