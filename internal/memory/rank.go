package memory

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Retrieval constants. They are part of the ranking contract and are not
// configurable.
const (
	DecayRate        = 0.001
	WeightRecency    = 0.2
	WeightImportance = 0.2
	WeightSimilarity = 0.6
	TopK             = 20
)

// NoMemory is rendered in place of an empty memory stream.
const NoMemory = "No memory yet"

// Candidate is a memory row scored against a query. It lives only for the
// duration of one retrieval.
type Candidate struct {
	Row        Row
	Recency    float64
	Similarity float64
	Importance int
	Score      float64
}

// Recency decays exponentially with the seconds between the row and the
// query time. Rows at or before the query time yield values in (0, 1].
func Recency(rowTime, queryTime time.Time) float64 {
	return math.Exp(DecayRate * rowTime.Sub(queryTime).Seconds())
}

// Score blends recency, raw importance and similarity. Importance is used on
// its 1..10 scale so very poignant memories dominate.
func Score(recency, similarity float64, importance int) float64 {
	return WeightRecency*recency + WeightImportance*float64(importance) + WeightSimilarity*similarity
}

// Rank scores rows against the query embedding and returns at most TopK
// candidates ordered by score descending, newer rows first on ties.
func Rank(query []float32, queryTime time.Time, rows []Row) []Candidate {
	cands := make([]Candidate, len(rows))
	for i, r := range rows {
		rec := Recency(r.Time, queryTime)
		sim := CosineSimilarity(query, r.Embedding)
		cands[i] = Candidate{
			Row:        r,
			Recency:    rec,
			Similarity: sim,
			Importance: r.Importance,
			Score:      Score(rec, sim, r.Importance),
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Row.Time.After(cands[j].Row.Time)
	})
	if len(cands) > TopK {
		cands = cands[:TopK]
	}
	return cands
}

// Chronological re-sorts ranked candidates newest first, the order in which
// they are rendered into a prompt.
func Chronological(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Row.Time.After(out[j].Row.Time)
	})
	return out
}

// Render joins candidate contents with single spaces. An empty set renders
// as the given sentinel.
func Render(cands []Candidate, sentinel string) string {
	if len(cands) == 0 {
		return sentinel
	}
	parts := make([]string, len(cands))
	for i, c := range cands {
		parts[i] = c.Row.Content
	}
	return strings.Join(parts, " ")
}

// Retrieve ranks rows, keeps the top TopK and renders them newest first.
func Retrieve(query []float32, queryTime time.Time, rows []Row, sentinel string) string {
	if len(rows) == 0 {
		return sentinel
	}
	return Render(Chronological(Rank(query, queryTime, rows)), sentinel)
}
