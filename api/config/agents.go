package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"gopkg.in/yaml.v3"
)

//go:embed agents.yaml
var defaultAgentsYAML []byte

// AgentSettings configures one LLM-backed agent. Zero values inherit from
// the global section.
type AgentSettings struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	Temperature *float64      `yaml:"temperature"`
	MaxTokens   int64         `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  *int          `yaml:"max_retries"`
}

// AgentsConfig is the parsed agents.yaml.
type AgentsConfig struct {
	Global       AgentSettings `yaml:"global"`
	SQLAgent     AgentSettings `yaml:"sql_agent"`
	InsightAgent AgentSettings `yaml:"insight_agent"`
}

// LoadAgents reads the agents file at path, or the embedded default when
// path is empty.
func LoadAgents(path string) (*AgentsConfig, error) {
	if path == "" {
		return ParseAgents(defaultAgentsYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents config: %w", err)
	}
	return ParseAgents(data)
}

// ParseAgents decodes an agents document. Unknown keys are rejected.
func ParseAgents(data []byte) (*AgentsConfig, error) {
	var cfg AgentsConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse agents config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentsConfig) Validate() error {
	for name, s := range map[string]AgentSettings{"sql_agent": c.SQL(), "insight_agent": c.Insight()} {
		if s.Model == "" {
			return fmt.Errorf("%s: model is required", name)
		}
		provider := s.Provider
		if provider == "" {
			provider = pipeline.ProviderFor(s.Model)
		}
		switch provider {
		case pipeline.ProviderAnthropic, pipeline.ProviderOpenAI:
		case "":
			return fmt.Errorf("%s: cannot infer provider for model %q", name, s.Model)
		default:
			return fmt.Errorf("%s: unsupported provider %q", name, s.Provider)
		}
		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
			return fmt.Errorf("%s: temperature must be between 0 and 2", name)
		}
		if s.MaxTokens < 0 {
			return fmt.Errorf("%s: max_tokens must not be negative", name)
		}
	}
	return nil
}

// SQL returns the merged settings of the SQL generation agent.
func (c *AgentsConfig) SQL() AgentSettings { return c.Global.merge(c.SQLAgent) }

// Insight returns the merged settings of the insight agent.
func (c *AgentsConfig) Insight() AgentSettings { return c.Global.merge(c.InsightAgent) }

func (s AgentSettings) merge(over AgentSettings) AgentSettings {
	out := s
	if over.Provider != "" {
		out.Provider = over.Provider
	}
	if over.Model != "" {
		out.Model = over.Model
		// A model override without a provider re-derives it from the name.
		if over.Provider == "" {
			out.Provider = ""
		}
	}
	if over.Temperature != nil {
		out.Temperature = over.Temperature
	}
	if over.MaxTokens > 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.Timeout > 0 {
		out.Timeout = over.Timeout
	}
	if over.MaxRetries != nil {
		out.MaxRetries = over.MaxRetries
	}
	return out
}

// LLMConfig binds the settings to credentials.
func (s AgentSettings) LLMConfig(keys APIKeys) pipeline.LLMConfig {
	provider := s.Provider
	if provider == "" {
		provider = pipeline.ProviderFor(s.Model)
	}
	cfg := pipeline.LLMConfig{
		Provider:    provider,
		Model:       s.Model,
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
	}
	switch provider {
	case pipeline.ProviderAnthropic:
		cfg.APIKey = keys.Anthropic
	case pipeline.ProviderOpenAI:
		cfg.APIKey = keys.OpenAI
		cfg.BaseURL = keys.OpenAIBaseURL
	}
	return cfg
}

// retries returns the configured retry count, or def when unset.
func (s AgentSettings) retries(def int) int {
	if s.MaxRetries == nil {
		return def
	}
	return *s.MaxRetries
}
