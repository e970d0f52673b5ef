package pipeline

import (
	"testing"

	analyticstesting "github.com/edumesones/executive-sql-to-text/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestAnalytics_Pipeline_ProviderFor(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"claude-sonnet-4-5": ProviderAnthropic,
		"Claude-3-5-haiku":  ProviderAnthropic,
		"gpt-4o-mini":       ProviderOpenAI,
		"o3-mini":           ProviderOpenAI,
		"o4-mini":           ProviderOpenAI,
		"o1":                ProviderOpenAI,
		"llama-3.1-70b":     "",
		"":                  "",
	}
	for model, want := range tests {
		require.Equal(t, want, ProviderFor(model), model)
	}
}

func TestAnalytics_Pipeline_NewLLMClient(t *testing.T) {
	t.Parallel()

	log := analyticstesting.NewLogger(t)

	client, err := NewLLMClient(log, LLMConfig{Model: "claude-sonnet-4-5", APIKey: "test"})
	require.NoError(t, err)
	anthropicClient, ok := client.(*AnthropicLLMClient)
	require.True(t, ok)
	require.EqualValues(t, DefaultMaxTokens, anthropicClient.maxTokens)

	temp := 0.2
	client, err = NewLLMClient(log, LLMConfig{Model: "local-model", Provider: "OpenAI", BaseURL: "http://localhost:11434/v1", Temperature: &temp})
	require.NoError(t, err)
	openaiClient, ok := client.(*OpenAILLMClient)
	require.True(t, ok)
	require.Equal(t, &temp, openaiClient.temperature)

	_, err = NewLLMClient(nil, LLMConfig{Model: "gpt-4o"})
	require.ErrorContains(t, err, "logger is required")
	_, err = NewLLMClient(log, LLMConfig{})
	require.ErrorContains(t, err, "model is required")
	_, err = NewLLMClient(log, LLMConfig{Model: "mystery"})
	require.ErrorContains(t, err, "cannot infer provider")
	_, err = NewLLMClient(log, LLMConfig{Model: "gpt-4o", Provider: "cohere"})
	require.ErrorContains(t, err, "unsupported provider")
}

func TestAnalytics_Pipeline_CompleteOptions(t *testing.T) {
	t.Parallel()

	o := applyOptions([]CompleteOption{WithCacheControl(), WithTemperature(0.7), WithMaxTokens(512)})
	require.True(t, o.CacheSystemPrompt)
	require.InDelta(t, 0.7, *o.Temperature, 1e-9)
	require.EqualValues(t, 512, o.MaxTokens)

	def := 0.1
	require.Equal(t, &def, firstTemperature(nil, &def))
	require.Nil(t, firstTemperature(nil, nil))
}
