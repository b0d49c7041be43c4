package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	config ProviderConfig
	limit  time.Duration
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider. cfg.Timeout
// caps calls made without a deadline.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	limit := cfg.Timeout
	if limit <= 0 {
		limit = DefaultCallTimeout
	}
	return &OpenAIProvider{config: cfg, limit: limit, client: &http.Client{}, logger: logger}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// chatURL builds the chat completions URL. With Extra["path_model"] set to
// "true" the model name goes into the path, as some gateways expect.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

func (p *OpenAIProvider) header() http.Header {
	h := http.Header{}
	if p.config.APIKey != "" {
		h.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return h
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends one chat completion. The worker's deadline reaches the HTTP
// call, so a timed out task stops waiting on the provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := callContext(ctx, p.limit)
	defer cancel()

	start := time.Now()
	var out openAIChatResponse
	if err := exchange(ctx, p.client, http.MethodPost, p.chatURL(req.Model), p.header(), req, &out); err != nil {
		return nil, fmt.Errorf("%s chat: %w", p.config.ID, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%s chat: %w", p.config.ID, ErrEmptyCompletion)
	}

	p.logger.Debug("chat completed",
		zap.String("provider", p.config.ID),
		zap.String("model", out.Model),
		zap.Int("tokens", out.Usage.TotalTokens),
		zap.Duration("took", time.Since(start)))
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage,
	}, nil
}

// HealthCheck lists the provider's models.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	ctx, cancel := callContext(ctx, p.limit)
	defer cancel()
	if err := exchange(ctx, p.client, http.MethodGet, p.config.Endpoint+"/models", p.header(), nil, nil); err != nil {
		return fmt.Errorf("%s list models: %w", p.config.ID, err)
	}
	return nil
}
