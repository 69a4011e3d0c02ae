package harness

import (
	"context"
	"strings"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
	"github.com/rs/zerolog"
)

// OutcomeStatus is how an execution-and-recovery run ended.
type OutcomeStatus int

const (
	// OutcomeSucceeded: some execution succeeded, possibly after recovery.
	OutcomeSucceeded OutcomeStatus = iota
	// OutcomeFailed: execution failed and the model's reply contained no code.
	OutcomeFailed
	// OutcomeGaveUp: execution failed with no recovery attempts left.
	OutcomeGaveUp
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Outcome is the result of RunAndRecover.
type Outcome struct {
	Status   OutcomeStatus
	Code     string                // last code handed to the sandbox
	Result   ports.ExecutionResult // result of the last execution, sanitized by the guardrails
	Output   string                // composed output on success
	Attempts int                   // recovery attempts made
	Err      error                 // *GaveUpError when Status is OutcomeGaveUp
}

// DefaultMaxRecoveryAttempts bounds re-prompts when no limit is configured.
const DefaultMaxRecoveryAttempts = 3

// RecoveryLoop executes code and re-prompts the model with failures until
// an execution succeeds, the model stops producing code, or the cap is reached.
type RecoveryLoop struct {
	sandbox     ports.Sandbox
	streamer    *Streamer
	extractor   *Extractor
	guardrails  *Guardrails
	tracer      ports.Tracer
	logger      zerolog.Logger
	maxAttempts int
}

// LoopOption configures a RecoveryLoop.
type LoopOption func(*RecoveryLoop)

// WithGuardrails checks code before it reaches the sandbox and sanitizes output after.
func WithGuardrails(g *Guardrails) LoopOption {
	return func(l *RecoveryLoop) { l.guardrails = g }
}

// WithLoopTracer records a span per execution.
func WithLoopTracer(tracer ports.Tracer) LoopOption {
	return func(l *RecoveryLoop) { l.tracer = tracer }
}

// WithLoopLogger sets the loop's logger.
func WithLoopLogger(logger zerolog.Logger) LoopOption {
	return func(l *RecoveryLoop) { l.logger = logger }
}

// NewRecoveryLoop creates a loop allowing at most maxAttempts re-prompts per run.
// A negative maxAttempts selects DefaultMaxRecoveryAttempts; zero disables recovery.
func NewRecoveryLoop(sandbox ports.Sandbox, streamer *Streamer, extractor *Extractor, maxAttempts int, opts ...LoopOption) *RecoveryLoop {
	if maxAttempts < 0 {
		maxAttempts = DefaultMaxRecoveryAttempts
	}
	l := &RecoveryLoop{
		sandbox:     sandbox,
		streamer:    streamer,
		extractor:   extractor,
		tracer:      &noOpTracer{},
		logger:      zerolog.Nop(),
		maxAttempts: maxAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxAttempts returns the recovery cap.
func (l *RecoveryLoop) MaxAttempts() int { return l.maxAttempts }

// RunAndRecover executes code and appends every outcome to conv before any further model call.
// The returned error is non-nil only for stream failures and cancellation; execution
// failures are reported through the Outcome.
func (l *RecoveryLoop) RunAndRecover(ctx context.Context, code string, conv *Conversation, emit EmitFunc) (Outcome, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	attempts := 0
	for {
		emit(Event{Kind: EventExecuting, Code: code, Attempt: attempts})

		result, err := l.execute(ctx, conv, code)
		if err != nil {
			return Outcome{Code: code, Attempts: attempts}, err
		}
		result = l.sanitize(result)

		if !result.Failed() {
			output := ComposeOutput(result.Stdout, result.Value)
			if l.guardrails != nil {
				output = l.guardrails.SanitizeOutput(output)
			}
			if err := conv.Append(RoleAssistant, successSummary(output)); err != nil {
				return Outcome{}, err
			}
			emit(Event{Kind: EventExecutionSucceeded, Text: output, Code: code, Attempt: attempts, Artifacts: result.Artifacts})
			l.logger.Debug().Str("conversation_id", conv.ID()).Int("attempts", attempts).Msg("Execution succeeded")
			return Outcome{Status: OutcomeSucceeded, Code: code, Result: result, Output: output, Attempts: attempts}, nil
		}

		emit(Event{Kind: EventExecutionFailed, Text: result.Failure, Code: code, Attempt: attempts})
		if err := conv.Append(RoleUser, errorReport(result.Failure, l.extractor.Fence(code))); err != nil {
			return Outcome{}, err
		}

		if attempts >= l.maxAttempts {
			l.logger.Warn().Str("conversation_id", conv.ID()).Int("attempts", attempts).Msg("Giving up on failing code")
			return Outcome{
				Status:   OutcomeGaveUp,
				Code:     code,
				Result:   result,
				Attempts: attempts,
				Err:      &GaveUpError{Attempts: attempts, LastReason: exceptionLine(result.Failure)},
			}, nil
		}

		attempts++
		emit(Event{Kind: EventRecovering, Attempt: attempts})
		l.logger.Info().Str("conversation_id", conv.ID()).Int("attempt", attempts).Msg("Requesting a fix for failing code")

		fix, err := l.streamer.Stream(ctx, conv, func(text string) {
			emit(Event{Kind: EventResultUpdating, Text: text, Attempt: attempts})
		})
		if err != nil {
			return Outcome{Code: code, Result: result, Attempts: attempts}, &StreamError{Stage: "recovery", Err: err}
		}
		usage := fix.Usage
		emit(Event{Kind: EventAnswer, Text: fix.Text, Usage: &usage, Attempt: attempts})

		next, ok := l.extractor.Extract(fix.Text)
		if !ok {
			return Outcome{Status: OutcomeFailed, Code: code, Result: result, Attempts: attempts}, nil
		}
		emit(Event{Kind: EventCodeDetected, Code: next, Attempt: attempts})
		code = next
	}
}

// execute runs code through the guardrails and the sandbox. Sandbox errors other than
// cancellation become failures so the model gets a chance to react to them.
func (l *RecoveryLoop) execute(ctx context.Context, conv *Conversation, code string) (result ports.ExecutionResult, err error) {
	if l.guardrails != nil {
		if verr := l.guardrails.ValidateCode(code); verr != nil {
			l.tracer.Event(ctx, "code_rejected", map[string]any{"error": verr.Error()})
			return ports.ExecutionResult{Failure: verr.Error()}, nil
		}
	}

	ctx, finish := l.tracer.StartSpan(ctx, "execute", map[string]any{
		"conversation_id": conv.ID(),
		"code_bytes":      len(code),
	})
	defer func() { finish(err) }()

	result, err = l.sandbox.Execute(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return ports.ExecutionResult{}, ctx.Err()
		}
		l.logger.Warn().Err(err).Msg("Sandbox execution error")
		return ports.ExecutionResult{Failure: err.Error()}, nil
	}
	return result, nil
}

// sanitize redacts and truncates everything the result shows the user or the model.
func (l *RecoveryLoop) sanitize(result ports.ExecutionResult) ports.ExecutionResult {
	if l.guardrails == nil {
		return result
	}
	result.Stdout = l.guardrails.SanitizeOutput(result.Stdout)
	result.Value = l.guardrails.SanitizeOutput(result.Value)
	result.Failure = l.guardrails.SanitizeOutput(result.Failure)
	return result
}

// ComposeOutput joins stdout and the final value for display. A value that is empty,
// "null" or "None" is omitted, and trailing whitespace is trimmed.
func ComposeOutput(stdout, value string) string {
	var b strings.Builder
	b.WriteString(stdout)
	switch strings.TrimSpace(value) {
	case "", "null", "None":
	default:
		b.WriteString(value)
	}
	return strings.TrimRight(b.String(), " \t\r\n")
}

func exceptionLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		// Python tracebacks end with the exception line
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
