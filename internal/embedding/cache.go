package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes embeddings of identical texts. Embeddings are
// deterministic for identical input, so cached vectors never go stale.
type CachedProvider struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCachedProvider wraps inner with a cache holding up to size vectors.
func NewCachedProvider(inner Provider, size int64) (*CachedProvider, error) {
	if size <= 0 {
		size = 1 << 14
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

// Embed returns cached vectors where available and embeds only the misses.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := p.cache.Get(t); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := p.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs: %w", len(vectors), len(missing), ErrEmptyEmbedding)
	}
	for j, vec := range vectors {
		out[missingIdx[j]] = vec
		p.cache.Set(missing[j], vec, 1)
	}
	return out, nil
}

// Dimension delegates to the wrapped provider.
func (p *CachedProvider) Dimension() int {
	return p.inner.Dimension()
}

// Wait blocks until pending cache writes are visible.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

// Close releases the cache's background goroutines.
func (p *CachedProvider) Close() {
	p.cache.Close()
}
