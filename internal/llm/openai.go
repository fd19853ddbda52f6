package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIGateway.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	ReasoningEffort string
	Temperature     float64
}

// OpenAIGateway sends conversations through the official OpenAI API.
type OpenAIGateway struct {
	client          *openai.Client
	model           string
	maxTokens       int
	reasoningEffort string
	temperature     float32
	logger          *slog.Logger
}

// NewOpenAIGateway creates a gateway for the OpenAI chat completions API.
func NewOpenAIGateway(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIGateway, error) {
	if cfg.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = "o4-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	logger.Info("Initializing OpenAI gateway", "model", cfg.Model)
	return &OpenAIGateway{
		client:          openai.NewClientWithConfig(clientCfg),
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		reasoningEffort: cfg.ReasoningEffort,
		temperature:     float32(cfg.Temperature),
		logger:          logger,
	}, nil
}

// Send implements Gateway.
func (o *OpenAIGateway) Send(ctx context.Context, system string, turns []Turn) (*Reply, error) {
	start := time.Now()

	msgs := messages(system, turns)
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, len(msgs)),
	}
	for i, m := range msgs {
		req.Messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	// Reasoning models reject max_tokens and a custom temperature.
	if isReasoningModel(o.model) {
		req.MaxCompletionTokens = o.maxTokens
		req.ReasoningEffort = o.reasoningEffort
	} else {
		req.MaxTokens = o.maxTokens
		req.Temperature = o.temperature
	}

	o.logger.Debug("Sending chat completion", "model", o.model, "messages", len(req.Messages))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, &GatewayError{Op: "send", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &GatewayError{Op: "decode", Err: ErrNoChoices}
	}
	o.logger.Debug("Received chat completion", "finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)

	reply := &Reply{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		reply.CachedTokens = d.CachedTokens
	}
	return reply, nil
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}
