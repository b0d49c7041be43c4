package events

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/aitown/internal/config"
)

const (
	// Threshold is the similarity an event must exceed to be mentioned.
	Threshold = 0.3
	// MaxEvents caps the number of events rendered into a reply prompt.
	MaxEvents = 3
)

// Event is a scripted story beat belonging to one NPC.
type Event struct {
	NPCID   int
	ID      string
	Intro   string
	Details []string
}

// Paragraph renders the intro followed by every detail.
func (e Event) Paragraph() string {
	if len(e.Details) == 0 {
		return e.Intro
	}
	return e.Intro + " " + strings.Join(e.Details, " ")
}

// Match is an event scored against a query.
type Match struct {
	Event      Event
	Similarity float64
}

// Index finds the events of an NPC relevant to a query embedding.
type Index interface {
	Relevant(ctx context.Context, npcID int, query []float32) ([]Match, error)
}

// FromConfig flattens the key-event file into events.
func FromConfig(groups []config.NPCEvents) []Event {
	var out []Event
	for _, g := range groups {
		for _, ev := range g.Events {
			out = append(out, Event{NPCID: g.NPCID, ID: ev.ID, Intro: ev.Intro, Details: ev.Details})
		}
	}
	return out
}

// Select keeps matches above Threshold, most similar first, at most
// MaxEvents of them.
func Select(matches []Match) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Similarity > Threshold {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if len(out) > MaxEvents {
		out = out[:MaxEvents]
	}
	return out
}

// Render numbers the matched events from 1 and separates them with blank
// lines. No matches render as an empty string.
func Render(matches []Match) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("relevent event %d: %s", i+1, m.Event.Paragraph())
	}
	return strings.Join(parts, "\n\n")
}
