package streaming

import (
	"errors"
	"testing"
)

func TestLifecycle_PartialThenFinal(t *testing.T) {
	l := NewLifecycle()
	if err := l.AllowPartial(); err != nil {
		t.Fatalf("partial in open state: %v", err)
	}
	if err := l.AllowPartial(); err != nil {
		t.Fatalf("repeated partials are allowed: %v", err)
	}
	if err := l.AllowFinal(); err != nil {
		t.Fatalf("final in open state: %v", err)
	}
	if got := l.State(); got != UtteranceFinalized {
		t.Errorf("state %v, want FINALIZED", got)
	}
}

func TestLifecycle_PartialAfterFinalRejected(t *testing.T) {
	l := NewLifecycle()
	if err := l.AllowFinal(); err != nil {
		t.Fatalf("final: %v", err)
	}
	if err := l.AllowPartial(); !errors.Is(err, ErrPartialAfterFinal) {
		t.Errorf("expected ErrPartialAfterFinal, got %v", err)
	}
}

func TestLifecycle_DoubleFinalRejected(t *testing.T) {
	l := NewLifecycle()
	if err := l.AllowFinal(); err != nil {
		t.Fatalf("final: %v", err)
	}
	if err := l.AllowFinal(); !errors.Is(err, ErrFinalAlreadyEmitted) {
		t.Errorf("expected ErrFinalAlreadyEmitted, got %v", err)
	}
}

func TestLifecycle_NextUtteranceReopens(t *testing.T) {
	l := NewLifecycle()
	if err := l.AllowFinal(); err != nil {
		t.Fatalf("final: %v", err)
	}
	if got := l.NextUtterance(); got != 1 {
		t.Errorf("utterance index %d, want 1", got)
	}
	if err := l.AllowPartial(); err != nil {
		t.Errorf("partial after reopen: %v", err)
	}
	if err := l.AllowFinal(); err != nil {
		t.Errorf("final after reopen: %v", err)
	}
}

func TestLifecycle_ClosedRejectsEverything(t *testing.T) {
	l := NewLifecycle()
	l.Close()
	if err := l.AllowPartial(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("partial on closed: %v", err)
	}
	if err := l.AllowFinal(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("final on closed: %v", err)
	}
	if l.NextUtterance() != 0 {
		t.Error("closed lifecycle must not reopen")
	}
}

func TestLifecycle_DropIsTerminal(t *testing.T) {
	l := NewLifecycle()
	if !l.Drop() {
		t.Fatal("first drop should succeed")
	}
	if l.Drop() {
		t.Error("second drop should report already terminal")
	}
	// A later Close must not mask the drop.
	l.Close()
	if !l.Dropped() {
		t.Error("close must not overwrite a dropped session")
	}
}
