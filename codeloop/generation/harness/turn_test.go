package harness

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

var testUsage = &ports.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, DecodeTokensPerSecond: 42}

// TestTurn_AnswerWithoutCode tests a plain answer: no execution, no explanation.
func TestTurn_AnswerWithoutCode(t *testing.T) {
	provider := &StubProvider{responses: []string{"The answer is 4."}}
	sandbox := &StubSandbox{}
	controller := newTestController(provider, sandbox, 3)
	rec := &eventRecorder{}

	res := controller.Run(context.Background(), "What is 2+2?", rec.emit)

	assert.Equal(t, StateAnswered, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, "The answer is 4.", res.Answer)
	require.NotNil(t, res.AnswerUsage)
	assert.Equal(t, 15, res.AnswerUsage.TotalTokens)
	assert.Empty(t, res.Code)
	assert.Empty(t, sandbox.executed())
	assert.Len(t, provider.calls(), 1)

	assert.Equal(t, []EventKind{EventAnswer, EventDone}, rec.kinds())
	ev, ok := rec.first(EventAnswer)
	require.True(t, ok)
	assert.Equal(t, "The answer is 4.", ev.Text)

	updating, ok := rec.first(EventResultUpdating)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix("The answer is 4.", updating.Text))
}

// TestTurn_ExecuteAndExplain tests the full path: answer, execute, explain.
func TestTurn_ExecuteAndExplain(t *testing.T) {
	provider := &StubProvider{responses: []string{
		"Let me compute it.\n```python\nprint(2+2)\n```\n",
		"2 + 2 is 4.",
	}}
	sandbox := &StubSandbox{results: []ports.ExecutionResult{{Stdout: "4\n", Value: "None"}}}
	controller := newTestController(provider, sandbox, 3)
	rec := &eventRecorder{}

	res := controller.Run(context.Background(), "What is 2+2?", rec.emit)

	require.NoError(t, res.Err)
	assert.Equal(t, StateExplained, res.State)
	assert.Equal(t, "print(2+2)", res.Code)
	assert.Equal(t, "4", res.Output)
	assert.Equal(t, "2 + 2 is 4.", res.Explanation)
	require.NotNil(t, res.ExplanationUsage)
	assert.Equal(t, []string{"print(2+2)"}, sandbox.executed())

	assert.Equal(t, []EventKind{
		EventAnswer, EventCodeDetected, EventExecuting, EventExecutionSucceeded, EventExplanation, EventDone,
	}, rec.kinds())

	succeeded, ok := rec.first(EventExecutionSucceeded)
	require.True(t, ok)
	assert.Equal(t, "4", succeeded.Text)

	// The explanation request carries the executed code, the value and the raw stdout
	calls := provider.calls()
	require.Len(t, calls, 2)
	var sawCode, sawResult bool
	for _, m := range calls[1].Messages {
		if strings.Contains(m.Content, "print(2+2)") {
			sawCode = true
		}
		if m.Role == RoleUser && strings.Contains(m.Content, "None") && strings.Contains(m.Content, "4\n") {
			sawResult = true
		}
	}
	assert.True(t, sawCode, "explanation request is missing the executed code")
	assert.True(t, sawResult, "explanation request is missing the execution result")

	// system, question, success summary, code message, explanation request
	require.Len(t, res.Messages, 5)
	assert.Equal(t, RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "What is 2+2?", res.Messages[1].Content)
	assert.Equal(t, RoleUser, res.Messages[4].Role)
}

// TestTurn_RecoversThenExplains tests that a fixed execution still gets explained.
func TestTurn_RecoversThenExplains(t *testing.T) {
	provider := &StubProvider{responses: []string{
		fenced("print(10 / 0)"),
		fenced("print(10 / 2)"),
		"The result is 5.",
	}}
	sandbox := &StubSandbox{results: []ports.ExecutionResult{
		{Failure: traceback},
		{Stdout: "5.0\n", Value: "None"},
	}}
	controller := newTestController(provider, sandbox, 3)
	rec := &eventRecorder{}

	res := controller.Run(context.Background(), "What is 10 / 2?", rec.emit)

	assert.Equal(t, StateExplained, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "print(10 / 2)", res.Code)
	assert.Equal(t, "The result is 5.", res.Explanation)
	assert.Equal(t, []EventKind{
		EventAnswer, EventCodeDetected,
		EventExecuting, EventExecutionFailed, EventRecovering, EventAnswer, EventCodeDetected,
		EventExecuting, EventExecutionSucceeded,
		EventExplanation, EventDone,
	}, rec.kinds())
}

// TestTurn_ExecutionFailed tests a failure the model answers without code.
func TestTurn_ExecutionFailed(t *testing.T) {
	provider := &StubProvider{responses: []string{fenced("1/0"), "Division by zero is undefined."}}
	sandbox := &StubSandbox{results: []ports.ExecutionResult{{Failure: traceback}}}
	controller := newTestController(provider, sandbox, 3)
	rec := &eventRecorder{}

	res := controller.Run(context.Background(), "What is 1/0?", rec.emit)

	assert.Equal(t, StateFailed, res.State)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "ZeroDivisionError: division by zero")
	assert.Empty(t, res.Explanation)
	assert.Len(t, provider.calls(), 2)

	kinds := rec.kinds()
	assert.Equal(t, EventDone, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, EventExplanation)
}

// TestTurn_GaveUp tests that hitting the recovery cap is reported as a terminal error.
func TestTurn_GaveUp(t *testing.T) {
	provider := &StubProvider{responses: []string{fenced("1/0"), fenced("2/0"), fenced("3/0")}}
	sandbox := &StubSandbox{results: []ports.ExecutionResult{{Failure: traceback}}}
	controller := newTestController(provider, sandbox, 1)
	rec := &eventRecorder{}

	res := controller.Run(context.Background(), "q", rec.emit)

	assert.Equal(t, StateGaveUp, res.State)
	assert.ErrorIs(t, res.Err, ErrRecoveryExhausted)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, sandbox.executed(), 2)

	ev, ok := rec.first(EventError)
	require.True(t, ok)
	assert.Contains(t, ev.Text, "gave up after 1 attempts")
	done, ok := rec.first(EventDone)
	require.True(t, ok)
	assert.Equal(t, StateGaveUp, done.State)
}

// TestTurn_StreamErrors tests that any failed stream ends the turn with an error event.
func TestTurn_StreamErrors(t *testing.T) {
	boom := errors.New("engine lost")

	t.Run("answer", func(t *testing.T) {
		provider := &StubProvider{streamFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
			return nil, boom
		}}
		sandbox := &StubSandbox{}
		rec := &eventRecorder{}

		res := newTestController(provider, sandbox, 3).Run(context.Background(), "q", rec.emit)

		assert.Equal(t, StateErrored, res.State)
		assert.ErrorIs(t, res.Err, boom)
		assert.Empty(t, sandbox.executed())
		assert.Equal(t, []EventKind{EventError, EventDone}, rec.kinds())
	})

	t.Run("explanation", func(t *testing.T) {
		var calls atomic.Int32
		provider := &StubProvider{streamFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
			if calls.Add(1) == 1 {
				return textChunks(fenced("print(1)"), testUsage), nil
			}
			return nil, boom
		}}
		sandbox := &StubSandbox{results: []ports.ExecutionResult{{Stdout: "1\n", Value: "None"}}}
		rec := &eventRecorder{}

		res := newTestController(provider, sandbox, 3).Run(context.Background(), "q", rec.emit)

		assert.Equal(t, StateErrored, res.State)
		var streamErr *StreamError
		require.True(t, errors.As(res.Err, &streamErr))
		assert.Equal(t, "explanation", streamErr.Stage)
		assert.Equal(t, "1", res.Output)

		kinds := rec.kinds()
		require.GreaterOrEqual(t, len(kinds), 2)
		assert.Equal(t, []EventKind{EventError, EventDone}, kinds[len(kinds)-2:])
	})

	t.Run("missing usage", func(t *testing.T) {
		provider := &StubProvider{streamFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
			return textChunks("The answer is 4.", nil), nil
		}}

		res := newTestController(provider, &StubSandbox{}, 3).Run(context.Background(), "q", nil)

		assert.Equal(t, StateErrored, res.State)
		assert.ErrorIs(t, res.Err, ErrUsageUnavailable)
		assert.Empty(t, res.Answer)
	})
}

// TestTurn_EngineNotReady tests that a turn on an unloaded engine fails immediately.
func TestTurn_EngineNotReady(t *testing.T) {
	provider := &StubProvider{notReady: true}
	rec := &eventRecorder{}

	res := newTestController(provider, &StubSandbox{}, 3).Run(context.Background(), "q", rec.emit)

	assert.Equal(t, StateErrored, res.State)
	assert.ErrorIs(t, res.Err, ErrEngineNotReady)
	assert.Empty(t, provider.calls())
	assert.Equal(t, []EventKind{EventError, EventDone}, rec.kinds())
}

// TestTurn_Cancelled tests that cancellation during execution ends the turn as cancelled.
func TestTurn_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &StubProvider{responses: []string{fenced("while True: pass")}}
	sandbox := &StubSandbox{execFunc: func(ctx context.Context, code string) (ports.ExecutionResult, error) {
		cancel()
		<-ctx.Done()
		return ports.ExecutionResult{}, ctx.Err()
	}}
	rec := &eventRecorder{}

	res := newTestController(provider, sandbox, 3).Run(ctx, "q", rec.emit)

	assert.Equal(t, StateCancelled, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Len(t, provider.calls(), 1)
	kinds := rec.kinds()
	assert.Equal(t, EventDone, kinds[len(kinds)-1])
}

// TestHandleTurn_Channel tests that the event channel ends with EventDone and is closed.
func TestHandleTurn_Channel(t *testing.T) {
	provider := &StubProvider{responses: []string{fenced("print(2+2)"), "It is 4."}}
	sandbox := &StubSandbox{results: []ports.ExecutionResult{{Stdout: "4\n", Value: "None"}}}
	controller := newTestController(provider, sandbox, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []Event
	for ev := range controller.HandleTurn(ctx, "What is 2+2?") {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Kind)
	assert.Equal(t, StateExplained, last.State)
	assert.True(t, last.State.Terminal())
	for _, ev := range events[:len(events)-1] {
		assert.NotEqual(t, EventDone, ev.Kind)
	}
}

// TestHandleTurn_CancelledStillCloses tests that a cancelled turn still closes its channel.
func TestHandleTurn_CancelledStillCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stalled := make(chan ports.CompletionChunk)
	provider := &StubProvider{streamFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
		cancel()
		return stalled, nil
	}}

	var last Event
	for ev := range newTestController(provider, &StubSandbox{}, 3).HandleTurn(ctx, "q") {
		last = ev
	}
	assert.Equal(t, EventDone, last.Kind)
	assert.Equal(t, StateCancelled, last.State)
}

// TestHandleTurn_SlowConsumerGetsDone tests that a full event buffer at cancellation
// still delivers the error and the final EventDone.
func TestHandleTurn_SlowConsumerGetsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	full := make(chan struct{})
	provider := &StubProvider{streamFunc: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
		ch := make(chan ports.CompletionChunk)
		go func() {
			defer close(ch)
			for i := 1; i <= 40; i++ {
				select {
				case ch <- ports.CompletionChunk{DeltaText: "x"}:
				case <-ctx.Done():
					return
				}
				// 16 updates are buffered; the 17th is waiting for the consumer
				if i == 17 {
					close(full)
				}
			}
			<-ctx.Done()
		}()
		return ch, nil
	}}

	events := newTestController(provider, &StubSandbox{}, 3).HandleTurn(ctx, "q")
	select {
	case <-full:
	case <-time.After(5 * time.Second):
		t.Fatal("event buffer never filled")
	}
	cancel()

	var kinds []EventKind
	var last Event
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		last = ev
	}
	assert.Equal(t, EventDone, last.Kind)
	assert.Equal(t, StateCancelled, last.State)
	assert.Contains(t, kinds, EventError)
}

// TestTurn_ExplanationSeesSanitizedOutput tests that secrets and oversized output are
// cleaned before they reach the explanation prompt, not only the display.
func TestTurn_ExplanationSeesSanitizedOutput(t *testing.T) {
	provider := &StubProvider{responses: []string{fenced("print(creds)"), "It printed the credentials."}}
	sandbox := &StubSandbox{results: []ports.ExecutionResult{{
		Stdout: "password=hunter2\n" + strings.Repeat("a", 5000),
		Value:  "None",
	}}}
	extractor := NewExtractor("python")
	streamer := NewStreamer(provider)
	loop := NewRecoveryLoop(sandbox, streamer, extractor, 3, WithGuardrails(NewGuardrails(0, 100, nil)))
	controller := NewTurnController(streamer, loop, extractor)

	res := controller.Run(context.Background(), "Show my creds", nil)
	require.Equal(t, StateExplained, res.State)
	assert.NotContains(t, res.Output, "hunter2")

	calls := provider.calls()
	require.Len(t, calls, 2)
	for _, msg := range calls[1].Messages {
		assert.NotContains(t, msg.Content, "hunter2")
		assert.Less(t, len(msg.Content), 1000, "%s message is not truncated", msg.Role)
	}
	explanation := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, explanation.Content, "[REDACTED]")
	assert.Contains(t, explanation.Content, "[truncated")
}

// TestTurn_Persistence tests that finished conversations and artifacts are stored.
func TestTurn_Persistence(t *testing.T) {
	store := &stubConversationStore{}
	provider := &StubProvider{responses: []string{fenced("plot()"), "Here is the plot."}}
	sandbox := &StubSandbox{results: []ports.ExecutionResult{{
		Value:     "None",
		Artifacts: []ports.Artifact{{Name: "plot.png", Size: 2048}},
	}}}
	controller := newTestController(provider, sandbox, 3, WithStore(store))

	res := controller.Run(context.Background(), "Draw a plot", nil)
	require.Equal(t, StateExplained, res.State)

	turns := store.turns[res.ConversationID]
	require.Len(t, turns, len(res.Messages))
	assert.Equal(t, RoleSystem, turns[0].Role)
	assert.Equal(t, "Draw a plot", turns[1].Content)
	assert.Equal(t, []string{"plot.png"}, store.artifacts[res.ConversationID])
}

// TestTurn_PersistenceFailureIsNotFatal tests that a broken store does not fail the turn.
func TestTurn_PersistenceFailureIsNotFatal(t *testing.T) {
	store := &stubConversationStore{failSave: true}
	provider := &StubProvider{responses: []string{"The answer is 4."}}

	res := newTestController(provider, &StubSandbox{}, 3, WithStore(store)).Run(context.Background(), "What is 2+2?", nil)

	assert.Equal(t, StateAnswered, res.State)
	assert.NoError(t, res.Err)
	assert.Empty(t, store.turns)
}
