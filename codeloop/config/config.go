package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/codeloop/codeloop"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Harness HarnessConfig `mapstructure:"harness"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// AppConfig stores application-level paths.
type AppConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	DatabasePath string `mapstructure:"database_path"`
	Persist      bool   `mapstructure:"persist"` // Store conversations in libsql
	LogLevel     string `mapstructure:"log_level"`
}

// LLMConfig stores inference engine configuration.
type LLMConfig struct {
	ModelPath      string        `mapstructure:"model_path"`      // Path to a GGUF file
	ChatTemplate   string        `mapstructure:"chat_template"`   // "chatml", "gemma"; empty picks by model name
	ContextSize    int           `mapstructure:"context_size"`    // Context window in tokens
	GPULayers      int           `mapstructure:"gpu_layers"`      // Layers offloaded to GPU
	Threads        int           `mapstructure:"threads"`         // Inference threads
	PoolSize       int           `mapstructure:"pool_size"`       // Loaded model instances
	MaxNewTokens   int           `mapstructure:"max_new_tokens"`  // Max tokens per completion
	Temperature    float32       `mapstructure:"temperature"`     // Sampling temperature
	TopP           float32       `mapstructure:"top_p"`           // Nucleus sampling
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // Per-completion timeout
}

// HarnessConfig stores orchestration settings.
type HarnessConfig struct {
	Language            string `mapstructure:"language"`              // Fence tag of executable blocks
	SystemPrompt        string `mapstructure:"system_prompt"`         // Overrides the built-in system prompt
	MaxRecoveryAttempts int    `mapstructure:"max_recovery_attempts"` // Re-prompts after failed executions

	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Enable completion caching
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`     // Enable rate limiting
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`    // Token bucket capacity
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"` // Refill rate

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"` // Enable code checks before execution
	MaxCodeBytes     int      `mapstructure:"max_code_bytes"`    // Largest accepted code block
	MaxOutputBytes   int      `mapstructure:"max_output_bytes"`  // Composed output is truncated past this
	BlockedModules   []string `mapstructure:"blocked_modules"`   // Module prefixes code may not import

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"` // Enable structured logging/tracing
}

// SandboxConfig stores Python sandbox settings.
type SandboxConfig struct {
	PythonPath     string        `mapstructure:"python_path"`
	WorkDir        string        `mapstructure:"work_dir"`
	Timeout        time.Duration `mapstructure:"timeout"`         // Per-execution timeout
	StartupTimeout time.Duration `mapstructure:"startup_timeout"` // Wait for the ready handshake
	WatchArtifacts bool          `mapstructure:"watch_artifacts"` // Report files created by executed code
	IgnorePatterns []string      `mapstructure:"ignore_patterns"` // gitignore-style patterns for artifacts
	Env            []string      `mapstructure:"env"`             // Extra KEY=VALUE pairs for the interpreter
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. harness.max_recovery_attempts becomes HARNESS_MAX_RECOVERY_ATTEMPTS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and env are used.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.data_dir", internal.DefaultDataDir)
	v.SetDefault("app.database_path", internal.DefaultDatabasePath)
	v.SetDefault("app.persist", true)
	v.SetDefault("app.log_level", "info")

	// LLM defaults
	v.SetDefault("llm.model_path", "")
	v.SetDefault("llm.chat_template", "")
	v.SetDefault("llm.context_size", 4096)
	v.SetDefault("llm.gpu_layers", 0)
	v.SetDefault("llm.threads", 4)
	v.SetDefault("llm.pool_size", 1)
	v.SetDefault("llm.max_new_tokens", 1024)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.top_p", 0.9)
	v.SetDefault("llm.request_timeout", "5m")

	// Harness defaults
	v.SetDefault("harness.language", internal.DefaultLanguage)
	v.SetDefault("harness.system_prompt", "")
	v.SetDefault("harness.max_recovery_attempts", 3)
	v.SetDefault("harness.cache_enabled", false) // sampled completions are rarely worth replaying
	v.SetDefault("harness.cache_capacity", 256)
	v.SetDefault("harness.cache_ttl_seconds", 3600)
	v.SetDefault("harness.rate_limit_enabled", false)
	v.SetDefault("harness.rate_limit_capacity", 4)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.max_code_bytes", 64*1024)
	v.SetDefault("harness.max_output_bytes", 16*1024)
	v.SetDefault("harness.blocked_modules", []string{"subprocess", "ctypes", "os.system", "shutil.rmtree"})
	v.SetDefault("harness.enable_tracing", true)

	// Sandbox defaults
	v.SetDefault("sandbox.python_path", "python3")
	v.SetDefault("sandbox.work_dir", internal.DefaultSandboxDir)
	v.SetDefault("sandbox.timeout", "60s")
	v.SetDefault("sandbox.startup_timeout", "10s")
	v.SetDefault("sandbox.watch_artifacts", true)
	v.SetDefault("sandbox.ignore_patterns", []string{"__pycache__/", "*.pyc", ".ipynb_checkpoints/"})
	v.SetDefault("sandbox.env", []string{})
}

// Validate checks values that would otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Harness.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("harness.max_recovery_attempts must not be negative, got %d", c.Harness.MaxRecoveryAttempts)
	}
	if c.Harness.Language == "" {
		return fmt.Errorf("harness.language cannot be empty")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got %v", c.Sandbox.Timeout)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %f", c.LLM.Temperature)
	}
	return nil
}
