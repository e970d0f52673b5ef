package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	DefaultMaxTokens = 2000
)

// LLMConfig describes one model binding. Provider may be left empty, in
// which case it is derived from the model name.
type LLMConfig struct {
	Provider    string
	Model       string
	MaxTokens   int64
	Temperature *float64
	APIKey      string
	BaseURL     string
}

// ProviderFor returns the provider serving model, or "" if the name is not
// recognized.
func ProviderFor(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return ProviderOpenAI
	}
	return ""
}

// NewLLMClient builds the client for cfg's provider.
func NewLLMClient(log *slog.Logger, cfg LLMConfig) (LLMClient, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = ProviderFor(cfg.Model)
	}
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicLLMClient(log, cfg), nil
	case ProviderOpenAI:
		return NewOpenAILLMClient(log, cfg), nil
	case "":
		return nil, fmt.Errorf("cannot infer provider for model %q", cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}
