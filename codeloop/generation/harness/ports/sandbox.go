package harnessports

import (
	"context"
	"time"
)

// ExecutionResult is the outcome of exactly one sandbox invocation.
// Exactly one of the success fields or Failure is meaningful; Failed reports which.
type ExecutionResult struct {
	Stdout    string
	Value     string // repr of the final expression, "None" when there is none
	Failure   string // non-empty when the code raised
	Artifacts []Artifact
	Duration  time.Duration
}

// Failed reports whether the execution raised.
func (r ExecutionResult) Failed() bool { return r.Failure != "" }

// Artifact is a file produced by executed code.
type Artifact struct {
	Name string // path relative to the sandbox work dir
	Size int64
}

// Sandbox executes source code in an isolated interpreter.
// A returned error means the sandbox itself could not run the code (not started,
// crashed, cancelled); faults raised by the code are reported in ExecutionResult.Failure.
type Sandbox interface {
	Execute(ctx context.Context, code string) (ExecutionResult, error)
}
