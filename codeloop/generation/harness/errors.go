package harness

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineNotReady is returned when a stream is requested before the engine finished loading.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrUsageUnavailable is returned when a stream completes without a usage summary.
	ErrUsageUnavailable = errors.New("usage data not available")
	// ErrRecoveryExhausted marks a turn that stopped re-prompting after repeated failures.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	// ErrInvalidRole is returned when appending a message with a role the conversation does not accept.
	ErrInvalidRole = errors.New("invalid message role")
)

// GaveUpError reports a recovery loop that hit its attempt cap.
type GaveUpError struct {
	Attempts   int
	LastReason string
}

func (e *GaveUpError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %s", e.Attempts, e.LastReason)
}

func (e *GaveUpError) Is(target error) bool {
	return target == ErrRecoveryExhausted
}

// StreamError wraps a failure of the completion stream at a named stage.
type StreamError struct {
	Stage string // "answer", "recovery", "explanation"
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream failed: %v", e.Stage, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
