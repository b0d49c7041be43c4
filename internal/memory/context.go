package memory

import (
	"fmt"
	"strings"
)

// Sentinels rendered when a context section has no data.
const (
	NoReflection   = "No prior reflection yet!"
	NoSchedule     = "No schedule yet!"
	NoConversation = "No conversation yet"
)

// ContextBudget bounds the size of the assembled decision context.
type ContextBudget struct {
	MaxTokens int // total token budget for the memory context
}

// DefaultContextBudget returns sensible defaults.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{MaxTokens: 6000}
}

// DecisionContext is the text handed to the LLM alongside a job.
type DecisionContext struct {
	Memories   string
	Reflection string
	Schedule   string
}

// Format renders the context sections. Reflection and schedule are kept
// whole when possible; the memory section absorbs any trimming.
func (c DecisionContext) Format(budget ContextBudget) string {
	if budget.MaxTokens == 0 {
		budget = DefaultContextBudget()
	}
	reflection := orSentinel(c.Reflection, NoReflection)
	schedule := orSentinel(c.Schedule, NoSchedule)
	memories := orSentinel(c.Memories, NoMemory)

	fixed := estimateTokens(reflection) + estimateTokens(schedule)
	remaining := budget.MaxTokens - fixed
	if remaining < budget.MaxTokens/4 {
		// Keep at least a quarter of the budget for memories.
		remaining = budget.MaxTokens / 4
		share := (budget.MaxTokens - remaining) / 2
		reflection = clip(reflection, share)
		schedule = clip(schedule, share)
	}
	memories = clip(memories, remaining)

	var b strings.Builder
	fmt.Fprintf(&b, "These are your prior memories: %s\n\n", memories)
	fmt.Fprintf(&b, "This is your prior reflection: %s\n\n", reflection)
	fmt.Fprintf(&b, "This is your schedule of the day: %s\n\n", schedule)
	return b.String()
}

func orSentinel(s, sentinel string) string {
	if strings.TrimSpace(s) == "" {
		return sentinel
	}
	return s
}

// clip cuts s to roughly maxTokens tokens, on a rune boundary.
func clip(s string, maxTokens int) string {
	maxChars := maxTokens * 4
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxChars {
			break
		}
		cut = i
	}
	return s[:cut]
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
