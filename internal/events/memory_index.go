package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/embedding"
	"github.com/nidhogg/aitown/internal/memory"
)

// MemoryIndex scores an NPC's events in process. Intros are embedded on
// every lookup, so the embedder should be cached.
type MemoryIndex struct {
	byNPC    map[int][]Event
	embedder embedding.Provider
	logger   *zap.Logger
}

// NewMemoryIndex indexes events by NPC.
func NewMemoryIndex(evs []Event, embedder embedding.Provider, logger *zap.Logger) *MemoryIndex {
	byNPC := make(map[int][]Event)
	for _, e := range evs {
		byNPC[e.NPCID] = append(byNPC[e.NPCID], e)
	}
	return &MemoryIndex{byNPC: byNPC, embedder: embedder, logger: logger}
}

// Relevant returns the NPC's events similar enough to query.
func (x *MemoryIndex) Relevant(ctx context.Context, npcID int, query []float32) ([]Match, error) {
	evs := x.byNPC[npcID]
	if len(evs) == 0 {
		return nil, nil
	}
	intros := make([]string, len(evs))
	for i, e := range evs {
		intros[i] = embedding.Normalize(e.Intro)
	}
	vectors, err := x.embedder.Embed(ctx, intros)
	if err != nil {
		return nil, fmt.Errorf("embed event intros: %w", err)
	}
	if len(vectors) != len(evs) {
		return nil, fmt.Errorf("embed event intros: got %d vectors for %d events", len(vectors), len(evs))
	}

	matches := make([]Match, len(evs))
	for i, e := range evs {
		matches[i] = Match{Event: e, Similarity: memory.CosineSimilarity(query, vectors[i])}
	}
	selected := Select(matches)
	x.logger.Debug("key events scored",
		zap.Int("npc", npcID), zap.Int("events", len(evs)), zap.Int("selected", len(selected)))
	return selected, nil
}
