package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// anthropicVersion is the Messages API version sent with every call.
const anthropicVersion = "2023-06-01"

// AnthropicProvider talks to the Claude Messages API.
type AnthropicProvider struct {
	config ProviderConfig
	limit  time.Duration
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider. cfg.Timeout caps
// calls made without a deadline.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	limit := cfg.Timeout
	if limit <= 0 {
		limit = DefaultCallTimeout
	}
	return &AnthropicProvider{config: cfg, limit: limit, client: &http.Client{}, logger: logger}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

// Chat sends one Messages request. Prompts carry the persona as a system
// message, which is lifted into the request's system field.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := callContext(ctx, p.limit)
	defer cancel()

	h := http.Header{}
	h.Set("x-api-key", p.config.APIKey)
	h.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	var out anthropicResponse
	if err := exchange(ctx, p.client, http.MethodPost, p.config.Endpoint+"/messages", h, convertRequest(req), &out); err != nil {
		return nil, fmt.Errorf("%s messages: %w", p.config.ID, err)
	}
	resp := convertResponse(&out)
	if resp.Content == "" {
		return nil, fmt.Errorf("%s messages: %w", p.config.ID, ErrEmptyCompletion)
	}
	p.logger.Debug("chat completed",
		zap.String("provider", p.config.ID),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Duration("took", time.Since(start)))
	return resp, nil
}

// Anthropic-specific request/response types
type anthropicRequest struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// convertRequest lifts system messages into the top-level system field.
func convertRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	ar.System = strings.Join(system, "\n\n")
	return ar
}

func convertResponse(resp *anthropicResponse) *ChatResponse {
	var content strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}
	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content.String(),
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// HealthCheck verifies the provider is reachable with a one-token request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	model := "claude-3-5-haiku-20241022"
	if len(p.config.Models) > 0 {
		model = p.config.Models[0]
	}
	_, err := p.Chat(ctx, &ChatRequest{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if errors.Is(err, ErrEmptyCompletion) {
		return nil
	}
	return err
}
