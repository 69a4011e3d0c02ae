package models

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/codeloop/codeloop/config"
	"github.com/ZanzyTHEbar/codeloop/codeloop/generation"
	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

var (
	// ErrEngineUnavailable is returned when this build has no inference backend.
	ErrEngineUnavailable = errors.New("llama.cpp not available in this build")
	// ErrNotLoaded is returned when a completion is requested before Load finished.
	ErrNotLoaded = errors.New("model not loaded")
	// ErrBreakerOpen is returned while the circuit breaker is tripped.
	ErrBreakerOpen = errors.New("circuit breaker is open")
)

// GGUFModelConfig holds configuration for GGUF model loading
type GGUFModelConfig struct {
	ModelPath    string
	ChatTemplate string // resolved template name, see generation.ResolveTemplate
	ContextSize  int
	GPULayers    int
	Threads      int
	BatchSize    int
	MaxTokens    int
	Temperature  float32
	TopP         float32
	// Pooling and resilience settings
	PoolSize         int
	BorrowTimeout    time.Duration
	RequestTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultGGUFConfig returns default configuration for a GGUF chat model
func DefaultGGUFConfig(modelPath string) *GGUFModelConfig {
	return &GGUFModelConfig{
		ModelPath:        modelPath,
		ChatTemplate:     generation.ResolveTemplate("", modelPath),
		ContextSize:      4096,
		GPULayers:        0, // CPU-only by default
		Threads:          4,
		BatchSize:        512,
		MaxTokens:        1024,
		Temperature:      0.2,
		TopP:             0.9,
		PoolSize:         1,
		BorrowTimeout:    5 * time.Second,
		RequestTimeout:   5 * time.Minute,
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
	}
}

// ConfigFromLLM builds a model config from the application's llm section.
// Zero values keep the defaults.
func ConfigFromLLM(llm config.LLMConfig) *GGUFModelConfig {
	c := DefaultGGUFConfig(llm.ModelPath)
	c.ChatTemplate = generation.ResolveTemplate(llm.ChatTemplate, llm.ModelPath)
	if llm.ContextSize > 0 {
		c.ContextSize = llm.ContextSize
	}
	if llm.GPULayers > 0 {
		c.GPULayers = llm.GPULayers
	}
	if llm.Threads > 0 {
		c.Threads = llm.Threads
	}
	if llm.PoolSize > 0 {
		c.PoolSize = llm.PoolSize
	}
	if llm.MaxNewTokens > 0 {
		c.MaxTokens = llm.MaxNewTokens
	}
	if llm.Temperature > 0 {
		c.Temperature = llm.Temperature
	}
	if llm.TopP > 0 {
		c.TopP = llm.TopP
	}
	if llm.RequestTimeout > 0 {
		c.RequestTimeout = llm.RequestTimeout
	}
	return c
}

// ValidateConfig validates the GGUF model configuration
func ValidateConfig(config *GGUFModelConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if config.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}

	if _, err := generation.GetChatTemplate(config.ChatTemplate); err != nil {
		return err
	}

	if config.ContextSize <= 0 {
		return fmt.Errorf("context size must be positive, got %d", config.ContextSize)
	}

	if config.GPULayers < 0 {
		return fmt.Errorf("GPU layers cannot be negative, got %d", config.GPULayers)
	}

	if config.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", config.Threads)
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	if config.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", config.MaxTokens)
	}

	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	if config.TopP < 0 || config.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %f", config.TopP)
	}

	if config.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", config.PoolSize)
	}

	if config.BorrowTimeout <= 0 {
		return fmt.Errorf("borrow timeout must be positive, got %v", config.BorrowTimeout)
	}

	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", config.RequestTimeout)
	}

	if config.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive, got %d", config.BreakerThreshold)
	}

	if config.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %v", config.BreakerCooldown)
	}

	return nil
}

// ModelHealth tracks the health status of a model
type ModelHealth struct {
	IsHealthy      bool
	SuccessRate    float64
	AverageLatency time.Duration
	TotalCalls     int64
	SuccessCalls   int64
	FailureCalls   int64
	LastUsed       time.Time
	ErrorMessages  []string
}

// healthTracker records call outcomes and trips a breaker after consecutive failures.
type healthTracker struct {
	mu              sync.Mutex
	health          ModelHealth
	failureCount    int
	lastFailureTime time.Time
	threshold       int
	cooldown        time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

func newHealthTracker(threshold int, cooldown time.Duration, logger *slog.Logger) *healthTracker {
	return &healthTracker{
		health: ModelHealth{
			IsHealthy:     true,
			SuccessRate:   1.0,
			ErrorMessages: make([]string, 0),
		},
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// recordSuccess updates health metrics on successful operation
func (h *healthTracker) recordSuccess(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.TotalCalls++
	h.health.SuccessCalls++
	h.health.LastUsed = h.now()

	if h.health.AverageLatency == 0 {
		h.health.AverageLatency = duration
	} else {
		alpha := 0.1
		h.health.AverageLatency = time.Duration(float64(h.health.AverageLatency)*(1-alpha) + float64(duration)*alpha)
	}

	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)
	h.health.IsHealthy = true
	h.failureCount = 0
}

// recordFailure updates health metrics on failed operation
func (h *healthTracker) recordFailure(errorMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.TotalCalls++
	h.health.FailureCalls++
	h.health.LastUsed = h.now()
	h.health.IsHealthy = false

	if len(h.health.ErrorMessages) >= 10 {
		h.health.ErrorMessages = h.health.ErrorMessages[1:]
	}
	h.health.ErrorMessages = append(h.health.ErrorMessages, errorMsg)
	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)

	h.failureCount++
	h.lastFailureTime = h.now()

	h.logger.Warn("Operation failed", "error", errorMsg, "failure_count", h.failureCount)
}

// breakerOpen checks if the circuit breaker is tripped
func (h *healthTracker) breakerOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failureCount >= h.threshold {
		if h.now().Sub(h.lastFailureTime) <= h.cooldown {
			return true
		}
		h.failureCount = 0
		h.logger.Info("Circuit breaker reset after cooldown")
	}
	return false
}

func (h *healthTracker) snapshot() *ModelHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	health := h.health
	health.ErrorMessages = append([]string(nil), h.health.ErrorMessages...)
	return &health
}

func (h *healthTracker) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.IsHealthy = false
	h.health.ErrorMessages = append(h.health.ErrorMessages, "Provider closed")
}

// usageMeter times one generation. Prefill runs until the first token arrives;
// decode runs from there to the end.
type usageMeter struct {
	start        time.Time
	firstToken   time.Time
	promptTokens int
	tokens       int
	now          func() time.Time
}

func newUsageMeter(prompt string, now func() time.Time) *usageMeter {
	if now == nil {
		now = time.Now
	}
	return &usageMeter{start: now(), promptTokens: estimateTokens(prompt), now: now}
}

func (m *usageMeter) token() {
	if m.tokens == 0 {
		m.firstToken = m.now()
	}
	m.tokens++
}

func (m *usageMeter) usage() ports.Usage {
	end := m.now()
	u := ports.Usage{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.tokens,
		TotalTokens:      m.promptTokens + m.tokens,
	}
	if m.tokens == 0 {
		u.PrefillMs = end.Sub(m.start).Milliseconds()
		return u
	}
	prefill := m.firstToken.Sub(m.start)
	decode := end.Sub(m.firstToken)
	u.PrefillMs = prefill.Milliseconds()
	u.DecodeMs = decode.Milliseconds()
	if decode > 0 {
		u.DecodeTokensPerSecond = float64(m.tokens) / decode.Seconds()
	}
	return u
}

// estimateTokens approximates a BPE token count at four characters per token.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
