package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/store"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l, err := New(s.DB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func TestLedger_StageCostsDebitOnCommit(t *testing.T) {
	// Balance 100, stage costs 10/20/5: final balance 65.
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}

	costs := map[notes.Stage]int64{
		notes.StageTranscribe: 10,
		notes.StageExtract:    20,
		notes.StageEmbed:      5,
	}
	for _, stage := range notes.Stages {
		h, err := l.Reserve(ctx, "user-1", "job-1", stage, costs[stage])
		if err != nil {
			t.Fatalf("reserve %s: %v", stage, err)
		}
		if err := l.Commit(ctx, h, costs[stage]); err != nil {
			t.Fatalf("commit %s: %v", stage, err)
		}
	}

	balance, err := l.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 65 {
		t.Errorf("expected final balance 65, got %d", balance)
	}
	total, err := l.CommittedTotal(ctx, "job-1")
	if err != nil {
		t.Fatalf("committed total: %v", err)
	}
	if total != 35 {
		t.Errorf("expected committed total 35, got %d", total)
	}
}

func TestLedger_InsufficientBalance(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 5); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Reserve(ctx, "user-1", "job-1", notes.StageTranscribe, 10); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	// Unknown user has zero balance.
	if _, err := l.Reserve(ctx, "ghost", "job-2", notes.StageTranscribe, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance for unknown user, got %v", err)
	}
}

func TestLedger_OpenReservationsReduceAvailable(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 30); err != nil {
		t.Fatalf("credit: %v", err)
	}
	h, err := l.Reserve(ctx, "user-1", "job-1", notes.StageTranscribe, 20)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	available, err := l.Available(ctx, "user-1")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 10 {
		t.Errorf("expected available 10 while hold is open, got %d", available)
	}
	// Balance itself is untouched until commit.
	balance, _ := l.Balance(ctx, "user-1")
	if balance != 30 {
		t.Errorf("expected balance 30, got %d", balance)
	}

	// The hold blocks a reservation it cannot cover.
	if _, err := l.Reserve(ctx, "user-1", "job-2", notes.StageTranscribe, 15); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := l.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	available, _ = l.Available(ctx, "user-1")
	if available != 30 {
		t.Errorf("expected available 30 after release, got %d", available)
	}
}

func TestLedger_ReserveIsIdempotentPerJobStage(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 25); err != nil {
		t.Fatalf("credit: %v", err)
	}
	h1, err := l.Reserve(ctx, "user-1", "job-1", notes.StageTranscribe, 20)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	// A retried stage re-reserves; it must get the same hold, not a second one.
	h2, err := l.Reserve(ctx, "user-1", "job-1", notes.StageTranscribe, 20)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if h1.ID != h2.ID {
		t.Errorf("expected the same reservation, got %s and %s", h1.ID, h2.ID)
	}
	available, _ := l.Available(ctx, "user-1")
	if available != 5 {
		t.Errorf("double hold detected: available = %d, want 5", available)
	}
}

func TestLedger_ReleaseIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 10); err != nil {
		t.Fatalf("credit: %v", err)
	}
	h, err := l.Reserve(ctx, "user-1", "job-1", notes.StageTranscribe, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Release(ctx, h); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	available, _ := l.Available(ctx, "user-1")
	if available != 10 {
		t.Errorf("expected available 10, got %d", available)
	}
}

func TestLedger_FailedAttemptsNetToZero(t *testing.T) {
	// Two failed attempts then one success: only one debit for the stage.
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		h, err := l.Reserve(ctx, "user-1", "job-1", notes.StageTranscribe, 10)
		if err != nil {
			t.Fatalf("reserve attempt %d: %v", attempt, err)
		}
		if err := l.Release(ctx, h); err != nil {
			t.Fatalf("release attempt %d: %v", attempt, err)
		}
	}
	h, err := l.Reserve(ctx, "user-1", "job-1", notes.StageTranscribe, 10)
	if err != nil {
		t.Fatalf("final reserve: %v", err)
	}
	if err := l.Commit(ctx, h, 12); err != nil {
		t.Fatalf("commit: %v", err)
	}

	total, _ := l.CommittedTotal(ctx, "job-1")
	if total != 12 {
		t.Errorf("expected one debit of 12, got %d", total)
	}
	balance, _ := l.Balance(ctx, "user-1")
	if balance != 88 {
		t.Errorf("expected balance 88, got %d", balance)
	}
}

func TestLedger_CommitIdempotent_CommitAfterReleaseRejected(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 50); err != nil {
		t.Fatalf("credit: %v", err)
	}
	h, err := l.Reserve(ctx, "user-1", "job-1", notes.StageExtract, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(ctx, h, 10); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Replayed commit after a crash must not double-charge.
	if err := l.Commit(ctx, h, 10); err != nil {
		t.Fatalf("replayed commit: %v", err)
	}
	balance, _ := l.Balance(ctx, "user-1")
	if balance != 40 {
		t.Errorf("double charge: balance = %d, want 40", balance)
	}

	h2, err := l.Reserve(ctx, "user-1", "job-1", notes.StageEmbed, 5)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(ctx, h2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Commit(ctx, h2, 5); !errors.Is(err, ErrReservationReleased) {
		t.Errorf("expected ErrReservationReleased, got %v", err)
	}
}

func TestLedger_ConcurrentReservesNeverOverdraw(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Credit(ctx, "user-1", 50); err != nil {
		t.Fatalf("credit: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, "user-1", jobID(n), notes.StageTranscribe, 10)
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if granted != 5 {
		t.Errorf("expected exactly 5 grants of 10 against balance 50, got %d", granted)
	}
	available, err := l.Available(ctx, "user-1")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available < 0 {
		t.Errorf("available balance went negative: %d", available)
	}
}

func jobID(n int) string {
	return "job-" + string(rune('a'+n%26)) + "-" + string(rune('0'+n/26))
}
