package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/edumesones/executive-sql-to-text/pkg/metrics"
)

// AnthropicLLMClient implements LLMClient using the Anthropic API.
type AnthropicLLMClient struct {
	log         *slog.Logger
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature *float64
}

// NewAnthropicLLMClient creates a new Anthropic-based LLM client. An empty
// apiKey falls back to ANTHROPIC_API_KEY.
func NewAnthropicLLMClient(log *slog.Logger, cfg LLMConfig) *AnthropicLLMClient {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicLLMClient{
		log:         log,
		client:      anthropic.NewClient(opts...),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	o := applyOptions(opts)

	system := anthropic.TextBlockParam{Text: systemPrompt}
	if o.CacheSystemPrompt {
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{system},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if o.MaxTokens > 0 {
		params.MaxTokens = o.MaxTokens
	}
	if t := firstTemperature(o.Temperature, c.temperature); t != nil {
		params.Temperature = anthropic.Float(*t)
	}

	start := time.Now()
	c.log.Debug("pipeline: anthropic call starting", "model", c.model, "maxTokens", params.MaxTokens, "userPromptLen", len(userPrompt))
	msg, err := c.client.Messages.New(ctx, params)
	duration := time.Since(start)
	metrics.RecordLLMRequest("anthropic", string(c.model), duration, err)
	if err != nil {
		c.log.Warn("pipeline: anthropic call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("pipeline: anthropic call completed", "duration", duration, "stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens, "outputTokens", msg.Usage.OutputTokens)

	if msg.StopReason == anthropic.StopReasonRefusal {
		return "", ErrRefusal
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

func firstTemperature(ts ...*float64) *float64 {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}
