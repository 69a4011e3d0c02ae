package harnessports

import (
	"context"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system instructions
	Messages []PromptMessage   // ordered chat history after the system message
	Meta     map[string]string // lightweight metadata for tracing/caching keys
}

// Options controls sampling, limits and determinism.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
	Stop         []string
	// IncludeUsage asks the provider to attach a usage summary to the stream
	IncludeUsage bool
	// TimeoutMs applies to the provider call only (not the overall turn)
	TimeoutMs int
}

// Usage captures token accounting and throughput for display.
type Usage struct {
	PromptTokens          int
	CompletionTokens      int
	TotalTokens           int
	DecodeTokensPerSecond float64
	PrefillMs             int64
	DecodeMs              int64
}

// CompletionChunk is the provider's streaming delta.
type CompletionChunk struct {
	DeltaText string
	Done      bool
	Usage     *Usage // on final chunk when available
	Err       error  // engine failure mid-stream; no further chunks follow
}

// Provider is the abstraction for inference engines.
type Provider interface {
	// Ready reports whether the engine finished loading and accepts requests.
	Ready() bool
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}

// ProgressFunc receives human-readable status text while an engine loads.
type ProgressFunc func(status string)
