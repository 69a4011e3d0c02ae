//go:build !llama || no_llama

package models

import (
	"context"
	"fmt"
	"log/slog"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// GGUFProvider is the stand-in used when the binary is built without llama.cpp.
// It validates configuration but never becomes ready.
type GGUFProvider struct {
	config *GGUFModelConfig
	health *healthTracker
	logger *slog.Logger
}

// NewGGUFProvider creates a new GGUF model provider (no-op for non-CGO)
func NewGGUFProvider(config *GGUFModelConfig) (*GGUFProvider, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.Default().With("component", "GGUFProvider", "model_path", config.ModelPath)
	return &GGUFProvider{
		config: config,
		health: newHealthTracker(config.BreakerThreshold, config.BreakerCooldown, logger),
		logger: logger,
	}, nil
}

// Load always fails: there is no engine to load into.
func (p *GGUFProvider) Load(ctx context.Context, progress ports.ProgressFunc) error {
	if progress != nil {
		progress("llama.cpp support is not compiled in; rebuild with -tags llama")
	}
	p.health.recordFailure(ErrEngineUnavailable.Error())
	return ErrEngineUnavailable
}

// Ready is always false.
func (p *GGUFProvider) Ready() bool { return false }

// Stream always fails with ErrEngineUnavailable.
func (p *GGUFProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	return nil, ErrEngineUnavailable
}

// GetHealth returns current model health status
func (p *GGUFProvider) GetHealth() *ModelHealth {
	return p.health.snapshot()
}

// GetConfig returns the current configuration
func (p *GGUFProvider) GetConfig() *GGUFModelConfig {
	return p.config
}

// Close gracefully shuts down the provider
func (p *GGUFProvider) Close() error {
	p.health.markClosed()
	p.logger.Info("GGUFProvider closed (no-op)")
	return nil
}

var _ ports.Provider = (*GGUFProvider)(nil)
