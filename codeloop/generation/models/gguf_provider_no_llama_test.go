//go:build !llama || no_llama

package models

import (
	"context"
	"errors"
	"testing"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// TestGGUFProvider_Unavailable tests that builds without llama.cpp never report ready
func TestGGUFProvider_Unavailable(t *testing.T) {
	provider, err := NewGGUFProvider(DefaultGGUFConfig("/models/qwen.gguf"))
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	defer provider.Close()

	var statuses []string
	err = provider.Load(context.Background(), func(s string) { statuses = append(statuses, s) })
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if len(statuses) == 0 {
		t.Error("expected a progress status explaining the failure")
	}
	if provider.Ready() {
		t.Error("provider should never be ready")
	}
	if _, err := provider.Stream(context.Background(), ports.PromptInput{}, ports.Options{}); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable from Stream, got %v", err)
	}
	if provider.GetHealth().IsHealthy {
		t.Error("failed load should mark the provider unhealthy")
	}
}

func TestNewGGUFProvider_InvalidConfig(t *testing.T) {
	if _, err := NewGGUFProvider(DefaultGGUFConfig("")); err == nil {
		t.Error("expected error for empty model path")
	}
}
