//go:build llama && !no_llama

package models

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-skynet/go-llama.cpp"

	"github.com/ZanzyTHEbar/codeloop/codeloop/generation"
	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// GGUFProvider serves chat completions from a pool of llama.cpp model instances.
type GGUFProvider struct {
	config *GGUFModelConfig
	health *healthTracker
	ready  atomic.Bool
	loadMu sync.Mutex

	// Pooling
	pool   chan *llama.LLama
	poolMu sync.Mutex

	logger *slog.Logger
}

// NewGGUFProvider creates a provider. Models are not loaded until Load is called.
func NewGGUFProvider(config *GGUFModelConfig) (*GGUFProvider, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.Default().With("component", "GGUFProvider", "model_path", config.ModelPath)

	return &GGUFProvider{
		config: config,
		health: newHealthTracker(config.BreakerThreshold, config.BreakerCooldown, logger),
		pool:   make(chan *llama.LLama, config.PoolSize),
		logger: logger,
	}, nil
}

// Load fills the model pool, reporting progress as each instance loads.
// Calling Load on a ready provider is a no-op.
func (p *GGUFProvider) Load(ctx context.Context, progress ports.ProgressFunc) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	if progress == nil {
		progress = func(string) {}
	}
	if p.ready.Load() {
		return nil
	}

	if _, err := os.Stat(p.config.ModelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}

	name := filepath.Base(p.config.ModelPath)
	for i := len(p.pool); i < p.config.PoolSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress(fmt.Sprintf("Loading %s (%d/%d)", name, i+1, p.config.PoolSize))

		start := time.Now()
		model, err := p.loadModel()
		if err != nil {
			p.logger.Error("Failed to load model instance", "instance", i, "error", err)
			progress(fmt.Sprintf("Failed to load %s: %v", name, err))
			return fmt.Errorf("failed to load model instance %d: %w", i, err)
		}
		p.pool <- model
		p.logger.Debug("Loaded model instance", "instance", i, "pool_size", len(p.pool), "duration_ms", time.Since(start).Milliseconds())
	}

	p.ready.Store(true)
	progress("Model ready")
	p.logger.Info("GGUFProvider ready", "pool_size", p.config.PoolSize, "template", p.config.ChatTemplate)
	return nil
}

func (p *GGUFProvider) loadModel() (*llama.LLama, error) {
	options := []llama.ModelOption{
		llama.SetContext(p.config.ContextSize),
		llama.SetGPULayers(p.config.GPULayers),
		llama.SetNBatch(p.config.BatchSize),
	}

	model, err := llama.New(p.config.ModelPath, options...)
	if err != nil {
		return nil, fmt.Errorf("llama.New failed: %w", err)
	}
	return model, nil
}

// Ready reports whether the pool is loaded and the breaker is closed.
func (p *GGUFProvider) Ready() bool {
	return p.ready.Load() && !p.health.breakerOpen()
}

// Borrow retrieves a model instance from the pool with timeout
func (p *GGUFProvider) Borrow(ctx context.Context) (*llama.LLama, error) {
	if p.health.breakerOpen() {
		return nil, ErrBreakerOpen
	}

	borrowCtx, cancel := context.WithTimeout(ctx, p.config.BorrowTimeout)
	defer cancel()

	select {
	case model := <-p.pool:
		p.logger.Debug("Borrowed model from pool", "pool_remaining", len(p.pool))
		return model, nil
	case <-borrowCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("borrow timeout after %v", p.config.BorrowTimeout)
	}
}

// Return returns a model instance to the pool
func (p *GGUFProvider) Return(model *llama.LLama) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	select {
	case p.pool <- model:
		p.logger.Debug("Returned model to pool", "pool_size", len(p.pool))
	default:
		p.logger.Warn("Pool channel full, freeing model")
		model.Free()
	}
}

// Stream renders the prompt with the configured chat template and streams generated tokens.
// The final chunk carries usage when opts.IncludeUsage is set.
func (p *GGUFProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	if !p.ready.Load() {
		return nil, ErrNotLoaded
	}

	prompt, err := generation.RenderChat(p.config.ChatTemplate, in)
	if err != nil {
		return nil, err
	}

	timeout := p.config.RequestTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	model, err := p.Borrow(reqCtx)
	if err != nil {
		cancel()
		p.health.recordFailure(fmt.Sprintf("borrow failed: %v", err))
		return nil, fmt.Errorf("failed to borrow model: %w", err)
	}

	ch := make(chan ports.CompletionChunk, 64)
	go func() {
		defer close(ch)
		defer cancel()
		defer p.Return(model)

		meter := newUsageMeter(prompt, nil)
		p.logger.Debug("Starting text generation", "prompt_length", len(prompt), "prompt_tokens", meter.promptTokens)

		_, err := model.Predict(prompt, p.predictOptions(opts, func(token string) bool {
			meter.token()
			select {
			case ch <- ports.CompletionChunk{DeltaText: token}:
				return true
			case <-reqCtx.Done():
				return false
			}
		})...)

		switch {
		case err != nil:
			p.health.recordFailure(fmt.Sprintf("prediction failed: %v", err))
			send(ctx, ch, ports.CompletionChunk{Err: fmt.Errorf("prediction failed: %w", err)})
			return
		case reqCtx.Err() != nil:
			p.health.recordFailure(fmt.Sprintf("prediction interrupted: %v", reqCtx.Err()))
			send(ctx, ch, ports.CompletionChunk{Err: reqCtx.Err()})
			return
		}

		usage := meter.usage()
		p.health.recordSuccess(time.Since(meter.start))
		p.logger.Debug("Text generation completed",
			"completion_tokens", usage.CompletionTokens,
			"decode_tps", usage.DecodeTokensPerSecond,
		)

		final := ports.CompletionChunk{Done: true}
		if opts.IncludeUsage {
			final.Usage = &usage
		}
		send(ctx, ch, final)
	}()
	return ch, nil
}

func (p *GGUFProvider) predictOptions(opts ports.Options, onToken func(string) bool) []llama.PredictOption {
	temperature, topP, maxTokens := p.config.Temperature, p.config.TopP, p.config.MaxTokens
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	if opts.TopP > 0 {
		topP = opts.TopP
	}
	if opts.MaxNewTokens > 0 {
		maxTokens = opts.MaxNewTokens
	}

	stop := append(generation.StopWords(p.config.ChatTemplate), opts.Stop...)
	options := []llama.PredictOption{
		llama.SetTemperature(temperature),
		llama.SetTopP(topP),
		llama.SetTokens(maxTokens),
		llama.SetThreads(p.config.Threads),
		llama.SetStopWords(stop...),
		llama.SetTokenCallback(onToken),
	}
	if opts.Seed != 0 {
		options = append(options, llama.SetSeed(opts.Seed))
	}
	return options
}

// GetHealth returns current model health status
func (p *GGUFProvider) GetHealth() *ModelHealth {
	return p.health.snapshot()
}

// GetConfig returns the current configuration
func (p *GGUFProvider) GetConfig() *GGUFModelConfig {
	return p.config
}

// Close frees every pooled model instance.
func (p *GGUFProvider) Close() error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	p.ready.Store(false)

	p.poolMu.Lock()
	for len(p.pool) > 0 {
		model := <-p.pool
		model.Free()
	}
	p.poolMu.Unlock()

	p.health.markClosed()
	p.logger.Info("GGUFProvider closed")
	return nil
}

func send(ctx context.Context, ch chan<- ports.CompletionChunk, chunk ports.CompletionChunk) {
	select {
	case ch <- chunk:
	case <-ctx.Done():
	}
}

var _ ports.Provider = (*GGUFProvider)(nil)
