package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/embedding"
	"github.com/nidhogg/aitown/internal/memory"
	"github.com/nidhogg/aitown/internal/provider"
	"github.com/nidhogg/aitown/internal/store"
)

// JobQueue is the claiming side of a job buffer.
type JobQueue interface {
	Claim(ctx context.Context) (*store.Job, error)
	ListUnprocessedForAgent(ctx context.Context, npcID int) ([]store.Job, error)
	MarkProcessed(ctx context.Context, requestIDs ...int64) error
}

// BehaviorQueue additionally records full completion.
type BehaviorQueue interface {
	JobQueue
	MarkFullyProcessed(ctx context.Context, requestID int64) error
}

// MemoryStore reads and appends an agent's memory and context rows.
type MemoryStore interface {
	AppendMemory(ctx context.Context, r memory.Row) error
	MemoriesBefore(ctx context.Context, npcID int, before time.Time, limit int) ([]memory.Row, error)
	ConversationBefore(ctx context.Context, npcID int, before time.Time, speaker string, limit int) ([]memory.Row, error)
	ReflectionBefore(ctx context.Context, npcID int, before time.Time) (*memory.Reflection, error)
	LatestSchedule(ctx context.Context, npcID int) (*memory.Schedule, error)
}

// InstructionWriter persists instructions for the game engine.
type InstructionWriter interface {
	InsertInstruction(ctx context.Context, in store.Instruction) error
}

// InstructionPublisher pushes instructions to live consumers.
type InstructionPublisher interface {
	Publish(ctx context.Context, in store.Instruction) error
}

// Completer produces one LLM completion.
type Completer interface {
	Complete(ctx context.Context, system, user string, tier provider.Tier) (string, error)
}

// RelationGraph tracks who an agent has talked to.
type RelationGraph interface {
	RecordInteraction(ctx context.Context, npcID int, speaker string) error
	Describe(ctx context.Context, npcID int, speaker string) (string, error)
}

// Options tunes the pipelines.
type Options struct {
	// CandidateLimit caps how many recent memory rows are ranked. Zero ranks all.
	CandidateLimit int
	Budget         memory.ContextBudget
	// RateImportance asks the LLM to rate memories instead of using 1.
	RateImportance bool
	// SpeechGate lets the LLM decide whether a behavior comes with speech.
	SpeechGate bool
}

// Deps are the collaborators shared by both pipelines. Publisher and
// Relations are optional.
type Deps struct {
	Characters   *Characters
	Memory       MemoryStore
	Instructions InstructionWriter
	Publisher    InstructionPublisher
	Relations    RelationGraph
	LLM          Completer
	Embedder     embedding.Provider
	Options      Options
	Logger       *zap.Logger
}

// assemble gathers ranked memories, the last reflection before at and the
// latest schedule.
func (d *Deps) assemble(ctx context.Context, npcID int, query []float32, at time.Time) (memory.DecisionContext, error) {
	var dc memory.DecisionContext

	rows, err := d.Memory.MemoriesBefore(ctx, npcID, at, d.Options.CandidateLimit)
	if err != nil {
		return dc, fmt.Errorf("load memories: %w", err)
	}
	dc.Memories = memory.Retrieve(query, at, rows, memory.NoMemory)

	refl, err := d.Memory.ReflectionBefore(ctx, npcID, at)
	if err != nil {
		return dc, fmt.Errorf("load reflection: %w", err)
	}
	if refl != nil {
		dc.Reflection = refl.Text
	}

	sched, err := d.Memory.LatestSchedule(ctx, npcID)
	if err != nil {
		return dc, fmt.Errorf("load schedule: %w", err)
	}
	if sched != nil {
		dc.Schedule = sched.Text
	}
	return dc, nil
}

// deliver writes the instruction and publishes it. Failures are logged; the
// LLM result is already paid for and the rest of the pipeline still runs.
func (d *Deps) deliver(ctx context.Context, in store.Instruction) {
	if err := d.Instructions.InsertInstruction(ctx, in); err != nil {
		d.Logger.Error("write instruction failed",
			zap.Int64("request_id", in.RequestID), zap.Int("npc", in.NPCID), zap.Error(err))
	}
	if d.Publisher != nil {
		if err := d.Publisher.Publish(ctx, in); err != nil {
			d.Logger.Warn("publish instruction failed",
				zap.Int64("request_id", in.RequestID), zap.Int("npc", in.NPCID), zap.Error(err))
		}
	}
}

// rate returns the importance of a memory text.
func (d *Deps) rate(ctx context.Context, text string) int {
	if !d.Options.RateImportance {
		return 1
	}
	answer, err := d.LLM.Complete(ctx, rateSystem, ratePrompt(text), provider.TierSmall)
	if err != nil {
		d.Logger.Warn("importance rating failed", zap.Error(err))
		return 1
	}
	return ParseImportance(answer)
}

// exchange is the pair of memory rows written for one interaction.
type exchange struct {
	npcID      int
	at         time.Time
	speaker    string
	heard      string
	said       string
	importance int
}

// remember appends both rows of an exchange, embedding each on its own. A
// row whose embedding fails is still written, with an empty vector.
func (d *Deps) remember(ctx context.Context, ex exchange) {
	rows := []memory.Row{
		{NPCID: ex.npcID, Time: ex.at, Direction: memory.Incoming, Content: ex.heard, Importance: ex.importance, Speaker: ex.speaker},
		{NPCID: ex.npcID, Time: ex.at, Direction: memory.Outgoing, Content: ex.said, Importance: ex.importance, Speaker: ex.speaker},
	}
	for _, r := range rows {
		vec, err := embedding.EmbedOne(ctx, d.Embedder, r.Content)
		if err != nil {
			d.Logger.Warn("embed memory failed", zap.Int("npc", r.NPCID), zap.Error(err))
			vec = []float32{}
		}
		r.Embedding = vec
		if err := d.Memory.AppendMemory(ctx, r); err != nil {
			d.Logger.Error("append memory failed",
				zap.Int("npc", r.NPCID), zap.Int("direction", int(r.Direction)), zap.Error(err))
		}
	}
}
