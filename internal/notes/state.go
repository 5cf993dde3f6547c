// Package notes defines the note processing state machine.
package notes

import (
	"errors"
	"fmt"
)

// State represents the processing state of a note.
type State int

const (
	// StateReceived - note accepted, no stage has run yet. Sole initial state.
	StateReceived State = iota
	// StateTranscribing - transcription stage in progress.
	StateTranscribing
	// StateExtracting - LLM extraction stage in progress.
	StateExtracting
	// StateEmbedding - embedding + index write stage in progress.
	StateEmbedding
	// StateDone - all stages complete, note is searchable. Terminal.
	StateDone
	// StateFailed - pipeline gave up with a reason code. Terminal, but
	// re-enterable through an explicit retry request.
	StateFailed
	// StateRetrying - transient substate: a stage failed and is scheduled
	// to re-run. Re-enters the same stage's state on the next attempt.
	StateRetrying
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateExtracting:
		return "EXTRACTING"
	case StateEmbedding:
		return "EMBEDDING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	case StateRetrying:
		return "RETRYING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ParseState maps a stored string back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "RECEIVED":
		return StateReceived, nil
	case "TRANSCRIBING":
		return StateTranscribing, nil
	case "EXTRACTING":
		return StateExtracting, nil
	case "EMBEDDING":
		return StateEmbedding, nil
	case "DONE":
		return StateDone, nil
	case "FAILED":
		return StateFailed, nil
	case "RETRYING":
		return StateRetrying, nil
	default:
		return 0, fmt.Errorf("unknown state %q", s)
	}
}

// IsTerminal returns true if no further automatic transition occurs.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Stage identifies one step of the pipeline.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageExtract    Stage = "extract"
	StageEmbed      Stage = "embed"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageTranscribe, StageExtract, StageEmbed}

// Errors for invalid transitions.
var (
	ErrTerminalState     = errors.New("note is in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StageState returns the in-progress state for a stage.
func StageState(stage Stage) State {
	switch stage {
	case StageTranscribe:
		return StateTranscribing
	case StageExtract:
		return StateExtracting
	case StageEmbed:
		return StateEmbedding
	default:
		return StateFailed
	}
}

// StageFor returns the stage a non-terminal, non-initial state is executing.
func StageFor(s State) (Stage, bool) {
	switch s {
	case StateTranscribing:
		return StageTranscribe, true
	case StateExtracting:
		return StageExtract, true
	case StateEmbedding:
		return StageEmbed, true
	default:
		return "", false
	}
}

// NextStage returns the stage that follows the given one, or false after the last.
func NextStage(stage Stage) (Stage, bool) {
	for i, st := range Stages {
		if st == stage && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// Transition validates a state change. Forward-only except for the explicit
// retry edges:
//
//	RECEIVED → TRANSCRIBING → EXTRACTING → EMBEDDING → DONE
//	   │             │             │           │
//	   └─────────────┴──── FAILED ─┴───────────┘
//
//	stage state → RETRYING → same stage state   (bounded by attempt cap)
//	FAILED → RETRYING                           (explicit operator/user retry)
//	RECEIVED → EXTRACTING                       (text-only or streaming intake,
//	                                             transcript already persisted)
func Transition(from, to State) error {
	if from == to {
		return nil
	}
	if from.IsTerminal() {
		// The only way out of a terminal state is an explicit retry of FAILED.
		if from == StateFailed && to == StateRetrying {
			return nil
		}
		return fmt.Errorf("%w: %s → %s", ErrTerminalState, from, to)
	}

	allowed := map[State][]State{
		StateReceived:     {StateTranscribing, StateExtracting, StateFailed},
		StateTranscribing: {StateExtracting, StateRetrying, StateFailed},
		StateExtracting:   {StateEmbedding, StateRetrying, StateFailed},
		StateEmbedding:    {StateDone, StateRetrying, StateFailed},
		StateRetrying:     {StateTranscribing, StateExtracting, StateEmbedding, StateFailed},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
