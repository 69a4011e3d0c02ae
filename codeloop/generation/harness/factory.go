package harness

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ZanzyTHEbar/codeloop/codeloop/config"
	"github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB // Optional, for conversation store
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// CreateTurnController creates a fully wired TurnController around the given engine and sandbox.
func (f *Factory) CreateTurnController(provider ports.Provider, sandbox ports.Sandbox) (*TurnController, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if sandbox == nil {
		return nil, fmt.Errorf("sandbox is required")
	}

	hc := f.cfg.Harness
	tracer := f.createTracer()
	extractor := NewExtractor(hc.Language)

	streamer := NewStreamer(provider,
		WithCache(f.createCache(), hc.CacheTTLSeconds),
		WithRateLimiter(f.createRateLimiter()),
		WithTracer(tracer),
		WithOptions(f.CreateOptions()),
		WithStreamLogger(f.logger.With().Str("component", "streamer").Logger()),
	)

	loopOpts := []LoopOption{
		WithLoopTracer(tracer),
		WithLoopLogger(f.logger.With().Str("component", "recovery").Logger()),
	}
	if guardrails := f.CreateGuardrails(); guardrails != nil {
		loopOpts = append(loopOpts, WithGuardrails(guardrails))
	}
	loop := NewRecoveryLoop(sandbox, streamer, extractor, hc.MaxRecoveryAttempts, loopOpts...)

	prompts := DefaultPrompts()
	if hc.SystemPrompt != "" {
		prompts.System = hc.SystemPrompt
	}

	return NewTurnController(streamer, loop, extractor,
		WithPrompts(prompts),
		WithStore(f.createStore()),
		WithTurnTracer(tracer),
		WithTurnLogger(f.logger.With().Str("component", "turn").Logger()),
	), nil
}

// CreateOptions maps the LLM config onto provider options.
func (f *Factory) CreateOptions() ports.Options {
	llm := f.cfg.LLM
	opts := ports.Options{
		MaxNewTokens: llm.MaxNewTokens,
		Temperature:  llm.Temperature,
		TopP:         llm.TopP,
		IncludeUsage: true,
		TimeoutMs:    int(llm.RequestTimeout.Milliseconds()),
	}
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = 1024
		f.logger.Warn().Int("max_new_tokens", llm.MaxNewTokens).Msg("MaxNewTokens clamped to default of 1024")
	}
	return opts
}

// CreateGuardrails creates guardrails from config, or nil when disabled.
func (f *Factory) CreateGuardrails() *Guardrails {
	hc := f.cfg.Harness
	if !hc.EnableGuardrails {
		return nil
	}
	return NewGuardrails(hc.MaxCodeBytes, hc.MaxOutputBytes, hc.BlockedModules)
}

func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.cfg.Harness.CacheCapacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	hc := f.cfg.Harness
	if !hc.RateLimitEnabled || hc.RateLimitCapacity <= 0 || hc.RateLimitRefillRate <= 0 {
		return &noOpRateLimiter{}
	}
	// A turn streams once for the answer, once per recovery attempt and once for the explanation
	capacity := hc.RateLimitCapacity
	if perTurn := f.streamsPerTurn(); capacity < perTurn {
		f.logger.Warn().Int("rate_limit_capacity", capacity).Int("streams_per_turn", perTurn).
			Msg("Rate limit capacity raised to fit one full turn")
		capacity = perTurn
	}
	return adapters.NewTokenBucket(capacity, hc.RateLimitRefillRate)
}

// streamsPerTurn is the most completions a single turn can request.
func (f *Factory) streamsPerTurn() int {
	attempts := f.cfg.Harness.MaxRecoveryAttempts
	if attempts < 0 {
		attempts = DefaultMaxRecoveryAttempts
	}
	return attempts + 2
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}
	return adapters.NewLibSQLConversationStore(f.db)
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	return nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
