package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/embedding"
	"github.com/nidhogg/aitown/internal/vectorstore"
)

// DefaultCollection holds key-event intros.
const DefaultCollection = "npc_key_events"

// QdrantIndex looks events up in a Qdrant collection, one point per event
// with the NPC id in its payload.
type QdrantIndex struct {
	client     *vectorstore.Client
	collection string
	embedder   embedding.Provider
	logger     *zap.Logger
}

// NewQdrantIndex creates an index over collection.
func NewQdrantIndex(client *vectorstore.Client, collection string, embedder embedding.Provider, logger *zap.Logger) *QdrantIndex {
	if collection == "" {
		collection = DefaultCollection
	}
	return &QdrantIndex{client: client, collection: collection, embedder: embedder, logger: logger}
}

// PointID derives a stable point id so re-syncing the same event overwrites it.
func PointID(npcID int, eventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("npc:%d:event:%s", npcID, eventID))).String()
}

// Sync embeds every event intro and upserts it.
func (x *QdrantIndex) Sync(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}
	dim := uint64(x.embedder.Dimension())
	if dim == 0 {
		dim = 1536
	}
	if err := x.client.EnsureCollection(ctx, x.collection, dim); err != nil {
		return err
	}

	intros := make([]string, len(evs))
	for i, e := range evs {
		intros[i] = embedding.Normalize(e.Intro)
	}
	vectors, err := x.embedder.Embed(ctx, intros)
	if err != nil {
		return fmt.Errorf("embed event intros: %w", err)
	}
	if len(vectors) != len(evs) {
		return fmt.Errorf("embed event intros: got %d vectors for %d events", len(vectors), len(evs))
	}

	points := make([]vectorstore.Point, len(evs))
	for i, e := range evs {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		points[i] = vectorstore.Point{
			ID:     PointID(e.NPCID, e.ID),
			Vector: vectors[i],
			Payload: map[string]string{
				"npc_id":   strconv.Itoa(e.NPCID),
				"event_id": e.ID,
				"intro":    e.Intro,
				"details":  string(details),
			},
		}
	}
	if err := x.client.Upsert(ctx, x.collection, points); err != nil {
		return err
	}
	x.logger.Info("Key events synced", zap.String("collection", x.collection), zap.Int("events", len(evs)))
	return nil
}

// Relevant searches the NPC's events above Threshold.
func (x *QdrantIndex) Relevant(ctx context.Context, npcID int, query []float32) ([]Match, error) {
	threshold := float32(Threshold)
	hits, err := x.client.Search(ctx, x.collection, query, vectorstore.SearchOptions{
		TopK:     MaxEvents,
		MinScore: &threshold,
		Match:    map[string]string{"npc_id": strconv.Itoa(npcID)},
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		var details []string
		if raw := h.Payload["details"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &details); err != nil {
				x.logger.Warn("bad event details payload", zap.String("point", h.ID), zap.Error(err))
			}
		}
		matches = append(matches, Match{
			Event: Event{
				NPCID:   npcID,
				ID:      h.Payload["event_id"],
				Intro:   h.Payload["intro"],
				Details: details,
			},
			Similarity: float64(h.Score),
		})
	}
	return Select(matches), nil
}
