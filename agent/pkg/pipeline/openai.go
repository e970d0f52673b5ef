package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/metrics"
	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAILLMClient implements LLMClient using the OpenAI chat completions API
// or any endpoint compatible with it.
type OpenAILLMClient struct {
	log         *slog.Logger
	client      *openai.Client
	model       string
	maxTokens   int64
	temperature *float64
}

func NewOpenAILLMClient(log *slog.Logger, cfg LLMConfig) *OpenAILLMClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAILLMClient{
		log:         log,
		client:      openai.NewClientWithConfig(config),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (c *OpenAILLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	o := applyOptions(opts)

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens: int(c.maxTokens),
	}
	if o.MaxTokens > 0 {
		req.MaxTokens = int(o.MaxTokens)
	}
	if t := firstTemperature(o.Temperature, c.temperature); t != nil {
		temp := float32(*t)
		req.Temperature = &temp
	}

	start := time.Now()
	c.log.Debug("pipeline: openai call starting", "model", c.model, "maxTokens", req.MaxTokens, "userPromptLen", len(userPrompt))
	resp, err := c.client.CreateChatCompletion(ctx, req)
	duration := time.Since(start)
	metrics.RecordLLMRequest("openai", c.model, duration, err)
	if err != nil {
		c.log.Warn("pipeline: openai call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from OpenAI")
	}

	choice := resp.Choices[0]
	c.log.Debug("pipeline: openai call completed", "duration", duration, "finishReason", choice.FinishReason,
		"promptTokens", resp.Usage.PromptTokens, "completionTokens", resp.Usage.CompletionTokens)
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", ErrRefusal
	}
	if choice.Message.Content == "" {
		return "", fmt.Errorf("no text content in response")
	}
	return choice.Message.Content, nil
}
