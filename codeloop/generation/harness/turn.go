package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
	"github.com/rs/zerolog"
)

// TurnResult summarizes a finished turn.
type TurnResult struct {
	ConversationID   string
	State            TurnState
	Answer           string
	AnswerUsage      *ports.Usage
	Code             string // last executed code, empty when the answer had none
	Output           string // composed output of the successful execution
	Explanation      string
	ExplanationUsage *ports.Usage
	Attempts         int
	Artifacts        []ports.Artifact
	Messages         []ports.PromptMessage
	Err              error
}

// TurnController turns one user question into an answer, executing and explaining code on the way.
// At most one turn should run at a time against the same provider and sandbox; callers serialize turns.
type TurnController struct {
	streamer  *Streamer
	loop      *RecoveryLoop
	extractor *Extractor
	prompts   Prompts
	store     ports.ConversationStore
	tracer    ports.Tracer
	logger    zerolog.Logger
}

// TurnOption configures a TurnController.
type TurnOption func(*TurnController)

// WithPrompts overrides the built-in prompts.
func WithPrompts(p Prompts) TurnOption {
	return func(t *TurnController) { t.prompts = p }
}

// WithStore persists each finished conversation.
func WithStore(store ports.ConversationStore) TurnOption {
	return func(t *TurnController) { t.store = store }
}

// WithTurnTracer records a span per turn.
func WithTurnTracer(tracer ports.Tracer) TurnOption {
	return func(t *TurnController) { t.tracer = tracer }
}

// WithTurnLogger sets the controller's logger.
func WithTurnLogger(logger zerolog.Logger) TurnOption {
	return func(t *TurnController) { t.logger = logger }
}

// NewTurnController wires a controller from its stages.
func NewTurnController(streamer *Streamer, loop *RecoveryLoop, extractor *Extractor, opts ...TurnOption) *TurnController {
	t := &TurnController{
		streamer:  streamer,
		loop:      loop,
		extractor: extractor,
		prompts:   DefaultPrompts(),
		store:     &noOpStore{},
		tracer:    &noOpTracer{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HandleTurn runs a turn in the background and returns its event channel.
// The channel has a single consumer, ends with EventDone and is then closed; the consumer
// must drain it until close. Cancelling ctx aborts the turn. After cancellation only
// streaming text updates may be dropped; every other event, EventDone included, is delivered.
func (t *TurnController) HandleTurn(ctx context.Context, userInput string) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		t.Run(ctx, userInput, func(ev Event) {
			if !ev.Kind.Streaming() {
				ch <- ev
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

// Run executes a turn synchronously, sending progress to emit.
// It always emits exactly one EventDone, last.
func (t *TurnController) Run(ctx context.Context, userInput string, emit EmitFunc) (res TurnResult) {
	if emit == nil {
		emit = func(Event) {}
	}

	conv := NewConversation(t.prompts.System, userInput)
	res = TurnResult{ConversationID: conv.ID(), State: StateAnswering}

	ctx, finish := t.tracer.StartSpan(ctx, "turn", map[string]any{
		"conversation_id": conv.ID(),
	})
	logger := t.logger.With().Str("conversation_id", conv.ID()).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Recovered panic in turn")
			t.fail(&res, emit, fmt.Errorf("turn aborted: %v", r))
		}
		res.Messages = conv.Messages()
		t.persist(context.WithoutCancel(ctx), conv, res.Artifacts, logger)
		finish(res.Err)
		logger.Info().Str("state", res.State.String()).Int("attempts", res.Attempts).Msg("Turn finished")
		emit(Event{Kind: EventDone, State: res.State, Err: res.Err})
	}()

	answer, err := t.streamer.Stream(ctx, conv, func(text string) {
		emit(Event{Kind: EventResultUpdating, Text: text})
	})
	if err != nil {
		t.fail(&res, emit, &StreamError{Stage: "answer", Err: err})
		return res
	}
	res.Answer = answer.Text
	res.AnswerUsage = usagePtr(answer.Usage)
	emit(Event{Kind: EventAnswer, Text: answer.Text, Usage: usagePtr(answer.Usage)})

	code, ok := t.extractor.Extract(answer.Text)
	if !ok {
		res.State = StateAnswered
		return res
	}
	emit(Event{Kind: EventCodeDetected, Code: code})

	res.State = StateExecuting
	outcome, err := t.loop.RunAndRecover(ctx, code, conv, emit)
	res.Code = outcome.Code
	res.Attempts = outcome.Attempts
	res.Artifacts = outcome.Result.Artifacts
	if err != nil {
		t.fail(&res, emit, err)
		return res
	}

	switch outcome.Status {
	case OutcomeFailed:
		res.State = StateFailed
		res.Err = fmt.Errorf("execution failed: %s", exceptionLine(outcome.Result.Failure))
		return res
	case OutcomeGaveUp:
		res.State = StateGaveUp
		res.Err = outcome.Err
		emit(Event{Kind: EventError, Text: outcome.Err.Error(), Err: outcome.Err, Attempt: outcome.Attempts})
		return res
	}

	res.Output = outcome.Output
	res.State = StateExplaining
	if err := t.requestExplanation(conv, outcome); err != nil {
		t.fail(&res, emit, err)
		return res
	}

	explanation, err := t.streamer.Stream(ctx, conv, func(text string) {
		emit(Event{Kind: EventExplanationUpdating, Text: text})
	})
	if err != nil {
		t.fail(&res, emit, &StreamError{Stage: "explanation", Err: err})
		return res
	}
	res.Explanation = explanation.Text
	res.ExplanationUsage = usagePtr(explanation.Usage)
	emit(Event{Kind: EventExplanation, Text: explanation.Text, Usage: usagePtr(explanation.Usage)})

	res.State = StateExplained
	return res
}

// requestExplanation appends the executed code and the explanation request.
func (t *TurnController) requestExplanation(conv *Conversation, outcome Outcome) error {
	if err := conv.Append(RoleAssistant, codeMessage(t.extractor.Fence(outcome.Code))); err != nil {
		return err
	}
	return conv.Append(RoleUser, explanationRequest(outcome.Result.Value, outcome.Result.Stdout))
}

func (t *TurnController) fail(res *TurnResult, emit EmitFunc, err error) {
	res.Err = err
	res.State = StateErrored
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.State = StateCancelled
	}
	emit(Event{Kind: EventError, Text: err.Error(), Err: err})
}

// persist stores the conversation and any artifacts. Failures are logged, never surfaced.
func (t *TurnController) persist(ctx context.Context, conv *Conversation, artifacts []ports.Artifact, logger zerolog.Logger) {
	now := time.Now()
	for _, m := range conv.Messages() {
		if err := t.store.SaveTurn(ctx, conv.ID(), ports.Turn{Role: m.Role, Content: m.Content, CreatedAt: now}); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist conversation")
			t.tracer.Event(ctx, "store_error", map[string]any{"error": err.Error()})
			return
		}
	}
	for _, a := range artifacts {
		payload, err := json.Marshal(a)
		if err != nil {
			continue
		}
		if err := t.store.AppendToolArtifact(ctx, conv.ID(), a.Name, payload); err != nil {
			logger.Warn().Err(err).Str("artifact", a.Name).Msg("Failed to persist artifact")
		}
	}
}

func usagePtr(u ports.Usage) *ports.Usage { return &u }
