package relation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// DefaultBoost is how much one conversation strengthens a tie. Strength
// saturates at 1.
const DefaultBoost = 0.1

// Familiarity is an agent's accumulated tie to a speaker.
type Familiarity struct {
	NPCID     int       `json:"npc_id"`
	Speaker   string    `json:"speaker"`
	Count     int64     `json:"count"`
	Strength  float64   `json:"strength"` // 0-1
	UpdatedAt time.Time `json:"updated_at"`
}

// Graph records who each agent has talked with, stored in Neo4j as
// (:NPC)-[:TALKED_WITH]->(:Speaker) edges.
type Graph struct {
	driver neo4j.DriverWithContext
	boost  float64
	logger *zap.Logger
}

// Connect opens a Neo4j driver and verifies connectivity. An empty user
// connects without authentication.
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return driver, nil
}

// NewGraph creates a graph on driver. A non-positive boost uses DefaultBoost.
func NewGraph(driver neo4j.DriverWithContext, boost float64, logger *zap.Logger) *Graph {
	if boost <= 0 {
		boost = DefaultBoost
	}
	return &Graph{driver: driver, boost: boost, logger: logger}
}

// RecordInteraction counts one conversation between an agent and a speaker.
func (g *Graph) RecordInteraction(ctx context.Context, npcID int, speaker string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MERGE (a:NPC {id: $npc})
		 MERGE (b:Speaker {name: $speaker})
		 MERGE (a)-[r:TALKED_WITH]->(b)
		 ON CREATE SET r.count = 0, r.strength = 0.0
		 SET r.count = r.count + 1,
		     r.strength = CASE WHEN r.strength + $boost > 1.0 THEN 1.0 ELSE r.strength + $boost END,
		     r.updated_at = datetime()`,
		map[string]any{
			"npc":     int64(npcID),
			"speaker": speaker,
			"boost":   g.boost,
		})
	if err == nil {
		_, err = result.Consume(ctx)
	}
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	g.logger.Debug("recorded interaction", zap.Int("npc_id", npcID), zap.String("speaker", speaker))
	return nil
}

// Familiarity returns the tie between an agent and a speaker, or nil when
// they have never talked.
func (g *Graph) Familiarity(ctx context.Context, npcID int, speaker string) (*Familiarity, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:NPC {id: $npc})-[r:TALKED_WITH]->(:Speaker {name: $speaker})
		 RETURN r.count AS count, r.strength AS strength, r.updated_at AS updated_at`,
		map[string]any{"npc": int64(npcID), "speaker": speaker})
	if err != nil {
		return nil, fmt.Errorf("get familiarity: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("get familiarity: %w", err)
		}
		return nil, nil
	}
	rec := result.Record()
	f := &Familiarity{NPCID: npcID, Speaker: speaker}
	if v, ok := rec.Get("count"); ok {
		f.Count, _ = v.(int64)
	}
	if v, ok := rec.Get("strength"); ok {
		f.Strength, _ = v.(float64)
	}
	if v, ok := rec.Get("updated_at"); ok {
		f.UpdatedAt, _ = v.(time.Time)
	}
	return f, nil
}

// Describe renders the tie as one sentence for a prompt. It returns "" for
// strangers.
func (g *Graph) Describe(ctx context.Context, npcID int, speaker string) (string, error) {
	f, err := g.Familiarity(ctx, npcID, speaker)
	if err != nil || f == nil {
		return "", err
	}
	return f.Sentence(), nil
}

// Sentence phrases a tie for a prompt.
func (f *Familiarity) Sentence() string {
	times := "once"
	if f.Count > 1 {
		times = fmt.Sprintf("%d times", f.Count)
	}
	return fmt.Sprintf("You have talked with %s %s before; you know them %s.", f.Speaker, times, closeness(f.Strength))
}

func closeness(strength float64) string {
	switch s := math.Max(0, math.Min(1, strength)); {
	case s >= 0.7:
		return "well"
	case s >= 0.3:
		return "somewhat"
	default:
		return "only a little"
	}
}
