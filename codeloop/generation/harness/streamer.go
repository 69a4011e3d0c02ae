package harness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
	"github.com/rs/zerolog"
)

// StreamResult is the outcome of one completed stream.
type StreamResult struct {
	Text  string
	Usage ports.Usage
}

// Streamer drives one request/response cycle against the inference engine.
type Streamer struct {
	provider ports.Provider
	builder  *PromptBuilder
	cache    ports.Cache
	cacheTTL int
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	opts     ports.Options
	logger   zerolog.Logger
}

// StreamerOption configures a Streamer.
type StreamerOption func(*Streamer)

// WithCache replays completions for identical conversations.
func WithCache(cache ports.Cache, ttlSeconds int) StreamerOption {
	return func(s *Streamer) {
		s.cache = cache
		s.cacheTTL = ttlSeconds
	}
}

// WithRateLimiter gates provider calls through limiter.
func WithRateLimiter(limiter ports.RateLimiter) StreamerOption {
	return func(s *Streamer) { s.limiter = limiter }
}

// WithTracer records a span per stream.
func WithTracer(tracer ports.Tracer) StreamerOption {
	return func(s *Streamer) { s.tracer = tracer }
}

// WithOptions sets the sampling options sent with every request.
func WithOptions(opts ports.Options) StreamerOption {
	return func(s *Streamer) { s.opts = opts }
}

// WithStreamLogger sets the streamer's logger.
func WithStreamLogger(logger zerolog.Logger) StreamerOption {
	return func(s *Streamer) { s.logger = logger }
}

// NewStreamer creates a streamer over provider.
func NewStreamer(provider ports.Provider, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		provider: provider,
		builder:  NewPromptBuilder(),
		cache:    &noOpCache{},
		limiter:  &noOpRateLimiter{},
		tracer:   &noOpTracer{},
		opts: ports.Options{
			MaxNewTokens: 1024,
			Temperature:  0.2,
			TopP:         0.9,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream sends conv to the engine and calls onDelta with the full text accumulated so far
// after every increment. A nil error means the stream finished with text and a usage summary.
// Engine failures, including panics, are returned as errors; conv is never modified.
func (s *Streamer) Stream(ctx context.Context, conv *Conversation, onDelta func(text string)) (res StreamResult, err error) {
	ctx, finish := s.tracer.StartSpan(ctx, "stream", map[string]any{
		"conversation_id": conv.ID(),
		"messages":        conv.Len(),
	})
	// The span ends after a panic has been turned into err
	defer func() {
		if r := recover(); r != nil {
			res = StreamResult{}
			err = fmt.Errorf("stream panicked: %v", r)
			s.logger.Error().Interface("panic", r).Msg("Recovered panic in completion stream")
		}
		finish(err)
	}()

	if s.provider == nil || !s.provider.Ready() {
		return StreamResult{}, ErrEngineNotReady
	}

	release, err := s.limiter.Acquire(ctx, "stream")
	if err != nil {
		return StreamResult{}, fmt.Errorf("rate limit: %w", err)
	}
	defer release()

	in := s.builder.Build(conv, map[string]string{"conversation_id": conv.ID()})
	opts := s.opts
	opts.IncludeUsage = true

	key := cacheKey(in, opts)
	if cached, ok := s.lookup(ctx, key); ok {
		s.tracer.Event(ctx, "cache_hit", map[string]any{"key": key})
		if onDelta != nil {
			onDelta(cached.Text)
		}
		return cached, nil
	}

	ch, err := s.provider.Stream(ctx, in, opts)
	if err != nil {
		return StreamResult{}, err
	}

	var (
		text  strings.Builder
		usage *ports.Usage
	)

loop:
	for {
		select {
		case <-ctx.Done():
			return StreamResult{}, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				return StreamResult{}, chunk.Err
			}
			if chunk.DeltaText != "" {
				text.WriteString(chunk.DeltaText)
				if onDelta != nil {
					onDelta(text.String())
				}
			}
			if chunk.Usage != nil {
				u := *chunk.Usage
				usage = &u
			}
			if chunk.Done {
				break loop
			}
		}
	}

	if usage == nil {
		return StreamResult{}, ErrUsageUnavailable
	}

	res = StreamResult{Text: text.String(), Usage: *usage}
	s.store(ctx, key, res)
	s.logger.Debug().
		Str("conversation_id", conv.ID()).
		Int("completion_tokens", usage.CompletionTokens).
		Float64("decode_tps", usage.DecodeTokensPerSecond).
		Msg("Stream finished")
	return res, nil
}

func (s *Streamer) lookup(ctx context.Context, key string) (StreamResult, bool) {
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return StreamResult{}, false
	}
	var res StreamResult
	if err := json.Unmarshal(raw, &res); err != nil {
		_ = s.cache.Delete(ctx, key)
		return StreamResult{}, false
	}
	return res, true
}

func (s *Streamer) store(ctx context.Context, key string, res StreamResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache completion")
	}
}

// cacheKey hashes everything that influences the completion.
func cacheKey(in ports.PromptInput, opts ports.Options) string {
	h := sha256.New()
	payload, _ := json.Marshal(struct {
		System   string
		Messages []ports.PromptMessage
		Opts     ports.Options
	}{in.System, in.Messages, opts})
	h.Write(payload)
	return "completion:" + hex.EncodeToString(h.Sum(nil))
}
