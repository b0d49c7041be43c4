package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/aitown/internal/config"
)

// ErrUnknownCharacter is returned for an npc id missing from the character file.
var ErrUnknownCharacter = errors.New("agent: unknown character")

// Characters is a read-only registry of the simulated NPCs.
type Characters struct {
	byID  map[int]config.Character
	order []int
}

// NewCharacters indexes chars by npc id. Later duplicates win.
func NewCharacters(chars []config.Character) *Characters {
	c := &Characters{byID: make(map[int]config.Character, len(chars))}
	for _, ch := range chars {
		if _, seen := c.byID[ch.NPCID]; !seen {
			c.order = append(c.order, ch.NPCID)
		}
		c.byID[ch.NPCID] = ch
	}
	sort.Ints(c.order)
	return c
}

// Get returns the character with npcID.
func (c *Characters) Get(npcID int) (config.Character, error) {
	ch, ok := c.byID[npcID]
	if !ok {
		return config.Character{}, fmt.Errorf("%w: %d", ErrUnknownCharacter, npcID)
	}
	return ch, nil
}

// Len returns the number of characters.
func (c *Characters) Len() int { return len(c.order) }

// All returns every character ordered by npc id.
func (c *Characters) All() []config.Character {
	out := make([]config.Character, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Roster lists every other character as "- Name, first sentence.".
func (c *Characters) Roster(exceptID int) string {
	var lines []string
	for _, id := range c.order {
		if id == exceptID {
			continue
		}
		ch := c.byID[id]
		brief, _, _ := strings.Cut(ch.Description, ".")
		lines = append(lines, fmt.Sprintf("- %s, %s.", ch.Name, strings.TrimSpace(brief)))
	}
	return strings.Join(lines, "\n")
}

// actionMenu renders a character's actions for a planning prompt.
func actionMenu(ch config.Character) string {
	var b strings.Builder
	for _, a := range ch.AvailableActions {
		fmt.Fprintf(&b, "- **%s**: %s (location: %s)\n", a.ActionName, a.Description, a.Location)
	}
	return b.String()
}

// actionCatalog renders action ids and locations for the instruction
// translator.
func actionCatalog(ch config.Character) (actions, locations string) {
	var ab, lb strings.Builder
	for _, a := range ch.AvailableActions {
		fmt.Fprintf(&ab, "- %d : %s, %s.\n", a.ActionID, a.ActionName, a.Description)
		lb.WriteString(a.Location)
		lb.WriteString(",")
	}
	return ab.String(), lb.String()
}
