package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
)

// LocalProvider embeds through a local Ollama server's batch /api/embed
// endpoint, so a memory pair costs one round trip.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int
	client    *http.Client

	observed atomic.Int64
}

// NewLocalProvider creates a LocalProvider. The endpoint defaults to
// Ollama's standard address.
func NewLocalProvider(cfg Config) *LocalProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	return &LocalProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    httpClient(cfg.Timeout),
	}
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per text, in input order.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result localResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/api/embed", "", localRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs: %w", len(result.Embeddings), len(texts), ErrEmptyEmbedding)
	}
	for i, v := range result.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("embedding: input %d: %w", i, ErrEmptyEmbedding)
		}
	}
	observeDimension(&p.observed, result.Embeddings)
	return result.Embeddings, nil
}

// Dimension returns the width seen in the first answer, or the configured
// one before any call.
func (p *LocalProvider) Dimension() int {
	if d := p.observed.Load(); d > 0 {
		return int(d)
	}
	return p.dimension
}
