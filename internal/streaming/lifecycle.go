package streaming

import (
	"errors"
	"fmt"
	"sync"
)

// UtteranceState is the lifecycle state of the utterance a session is
// currently receiving.
type UtteranceState int

const (
	// UtteranceOpen accepts partials and exactly one final.
	UtteranceOpen UtteranceState = iota
	// UtteranceFinalized has its final; partials and further finals are rejected.
	UtteranceFinalized
	// UtteranceClosed ended normally.
	UtteranceClosed
	// UtteranceDropped was abandoned without a usable final. Terminal for
	// the whole session: better to emit nothing than incomplete data.
	UtteranceDropped
)

func (s UtteranceState) String() string {
	switch s {
	case UtteranceOpen:
		return "OPEN"
	case UtteranceFinalized:
		return "FINALIZED"
	case UtteranceClosed:
		return "CLOSED"
	case UtteranceDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Terminal reports whether no further transcripts can be accepted.
func (s UtteranceState) Terminal() bool {
	return s == UtteranceClosed || s == UtteranceDropped
}

var (
	ErrSessionClosed       = errors.New("session is closed")
	ErrFinalAlreadyEmitted = errors.New("final already emitted for this utterance")
	ErrPartialAfterFinal   = errors.New("cannot emit partial after final")
)

// Lifecycle enforces transcript ordering for one session. Partials flow
// while an utterance is open; each utterance gets at most one final; after
// the final, only NextUtterance reopens the gate.
//
//	OPEN → FINALIZED → (NextUtterance) → OPEN → ... → CLOSED | DROPPED
//
// Thread-safe: the STT provider calls back from its own goroutines.
type Lifecycle struct {
	mu        sync.RWMutex
	state     UtteranceState
	utterance int
}

// NewLifecycle starts at utterance 0 in the open state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: UtteranceOpen}
}

// State returns the current utterance state.
func (l *Lifecycle) State() UtteranceState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Utterance returns the current utterance index.
func (l *Lifecycle) Utterance() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.utterance
}

// Terminal reports whether the session can no longer accept transcripts.
func (l *Lifecycle) Terminal() bool {
	return l.State().Terminal()
}

// Dropped reports whether the session was abandoned.
func (l *Lifecycle) Dropped() bool {
	return l.State() == UtteranceDropped
}

// AllowPartial validates a partial against the current state.
func (l *Lifecycle) AllowPartial() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case UtteranceOpen:
		return nil
	case UtteranceFinalized:
		return ErrPartialAfterFinal
	default:
		return ErrSessionClosed
	}
}

// AllowFinal validates a final and moves the utterance to FINALIZED.
func (l *Lifecycle) AllowFinal() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case UtteranceOpen:
		l.state = UtteranceFinalized
		return nil
	case UtteranceFinalized:
		return ErrFinalAlreadyEmitted
	default:
		return ErrSessionClosed
	}
}

// NextUtterance reopens the gate for the next utterance and returns its
// index. No-op when the session is terminal.
func (l *Lifecycle) NextUtterance() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return l.utterance
	}
	l.utterance++
	l.state = UtteranceOpen
	return l.utterance
}

// Close ends the session normally. Idempotent; a dropped session stays
// dropped.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return
	}
	l.state = UtteranceClosed
}

// Drop abandons the session. Returns false if already terminal.
func (l *Lifecycle) Drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return false
	}
	l.state = UtteranceDropped
	return true
}
