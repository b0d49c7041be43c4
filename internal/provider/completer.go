package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Tier selects the model class used for a completion.
type Tier string

const (
	// TierSmall serves replies and ratings.
	TierSmall Tier = "small"
	// TierLarge serves behavior planning.
	TierLarge Tier = "large"
)

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("provider: empty completion")

// Models names the concrete model of each tier.
type Models struct {
	Small string
	Large string
}

func (m Models) forTier(t Tier) string {
	if t == TierLarge && m.Large != "" {
		return m.Large
	}
	return m.Small
}

// Completer turns a system and user prompt into a single completion. Tiers
// are router routes, so each can be bound to its own provider.
type Completer struct {
	router *Router
	models Models
	logger *zap.Logger
}

// NewCompleter creates a Completer over router.
func NewCompleter(router *Router, models Models, logger *zap.Logger) *Completer {
	return &Completer{router: router, models: models, logger: logger}
}

// Complete returns the trimmed completion text.
func (c *Completer) Complete(ctx context.Context, system, user string, tier Tier) (string, error) {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})

	resp, err := c.router.Route(ctx, string(tier), &ChatRequest{
		Model:    c.models.forTier(tier),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("complete %s: %w", tier, err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("complete %s: %w", tier, ErrEmptyCompletion)
	}
	c.logger.Debug("completion",
		zap.String("tier", string(tier)),
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))
	return text, nil
}
