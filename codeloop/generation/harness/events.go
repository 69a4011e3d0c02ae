package harness

import (
	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// EventKind identifies a progress notification emitted during a turn.
type EventKind int

const (
	// EventResultUpdating carries the accumulated answer text while it streams.
	EventResultUpdating EventKind = iota
	// EventAnswer carries a finished answer and its usage.
	EventAnswer
	// EventCodeDetected carries code extracted from an answer.
	EventCodeDetected
	// EventExecuting is sent before each sandbox invocation.
	EventExecuting
	// EventExecutionSucceeded carries the composed output; empty means nothing to display.
	EventExecutionSucceeded
	// EventExecutionFailed carries the failure reason as the visible result.
	EventExecutionFailed
	// EventRecovering is sent before re-prompting the model with an error report.
	EventRecovering
	// EventExplanationUpdating carries the accumulated explanation while it streams.
	EventExplanationUpdating
	// EventExplanation carries the finished explanation and its usage.
	EventExplanation
	// EventError carries a terminal error.
	EventError
	// EventDone is always the last event of a turn.
	EventDone
)

var eventKindNames = map[EventKind]string{
	EventResultUpdating:      "result_updating",
	EventAnswer:              "answer",
	EventCodeDetected:        "code_detected",
	EventExecuting:           "executing",
	EventExecutionSucceeded:  "execution_succeeded",
	EventExecutionFailed:     "execution_failed",
	EventRecovering:          "recovering",
	EventExplanationUpdating: "explanation_updating",
	EventExplanation:         "explanation",
	EventError:               "error",
	EventDone:                "done",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Streaming reports whether k carries partial text that a later event supersedes.
func (k EventKind) Streaming() bool {
	return k == EventResultUpdating || k == EventExplanationUpdating
}

// Event is one progress notification of a turn.
type Event struct {
	Kind      EventKind
	Text      string // accumulated text, composed output, failure reason or error message
	Code      string
	Usage     *ports.Usage
	Attempt   int // recovery attempt the event belongs to; 0 for the first execution
	Artifacts []ports.Artifact
	State     TurnState // set on EventDone
	Err       error
}

// EmitFunc receives events in order. Implementations must not retain the turn's conversation.
type EmitFunc func(Event)

// TurnState is the position of a turn in its lifecycle.
type TurnState int

const (
	StateAnswering TurnState = iota
	StateExecuting
	StateExplaining
	// StateAnswered: the answer contained no code.
	StateAnswered
	// StateExplained: code ran successfully and was explained.
	StateExplained
	// StateFailed: execution failed and the model produced no further code.
	StateFailed
	// StateGaveUp: execution kept failing until the recovery cap was reached.
	StateGaveUp
	// StateErrored: a stream failed or the turn was aborted.
	StateErrored
	// StateCancelled: the turn's context was cancelled.
	StateCancelled
)

var turnStateNames = map[TurnState]string{
	StateAnswering:  "answering",
	StateExecuting:  "executing",
	StateExplaining: "explaining",
	StateAnswered:   "answered",
	StateExplained:  "explained",
	StateFailed:     "failed",
	StateGaveUp:     "gave_up",
	StateErrored:    "errored",
	StateCancelled:  "cancelled",
}

func (s TurnState) String() string {
	if name, ok := turnStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further stage runs after s.
func (s TurnState) Terminal() bool {
	return s >= StateAnswered
}
