package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/embedding"
	"github.com/nidhogg/aitown/internal/provider"
	"github.com/nidhogg/aitown/internal/store"
)

// BehaviorPipeline decides what an NPC does next.
type BehaviorPipeline struct {
	*Deps
	queue BehaviorQueue
}

// NewBehaviorPipeline creates a behavior pipeline.
func NewBehaviorPipeline(deps *Deps, queue BehaviorQueue) *BehaviorPipeline {
	return &BehaviorPipeline{Deps: deps, queue: queue}
}

// ProcessOnce claims one behavior request and turns it into an engine
// instruction. It returns 0 when the queue was empty and 1 when a job was
// handled.
func (p *BehaviorPipeline) ProcessOnce(ctx context.Context) (int, error) {
	job, err := p.queue.Claim(ctx)
	if err != nil {
		return 0, fmt.Errorf("claim behavior: %w", err)
	}
	if job == nil {
		return 0, nil
	}
	log := p.Logger.With(zap.Int64("request_id", job.RequestID), zap.Int("npc", job.NPCID))
	log.Info("Behavior request claimed")

	char, err := p.Characters.Get(job.NPCID)
	if err != nil {
		return 0, err
	}

	query, err := embedding.EmbedOne(ctx, p.Embedder, job.Content)
	if err != nil {
		return 0, fmt.Errorf("embed situation: %w", err)
	}
	dc, err := p.assemble(ctx, job.NPCID, query, job.Time)
	if err != nil {
		return 0, err
	}
	background := dc.Format(p.Options.Budget)
	log.Debug("Context assembled")

	plan, err := p.LLM.Complete(ctx, planSystem,
		planPrompt(char, p.Characters.Roster(char.NPCID), background, job.Content), provider.TierLarge)
	if err != nil {
		return 0, fmt.Errorf("plan behavior: %w", err)
	}

	speech := p.speech(ctx, log,
		gatePrompt(char, background, job.Content, plan),
		speechPrompt(char, background, job.Content, plan))

	instr := fallbackBehavior(char)
	raw, err := p.LLM.Complete(ctx, translateSystem, translatePrompt(char, plan, speech), provider.TierLarge)
	if err != nil {
		log.Warn("translate behavior failed, using fallback action", zap.Error(err))
	} else if parsed, ok := parseBehavior(raw, char); ok {
		instr = parsed
	} else {
		log.Warn("unusable behavior instruction, using fallback action", zap.String("raw", raw))
	}

	if out, err := instructionFor(*job, store.KindBehavior, instr); err != nil {
		log.Error("build behavior instruction failed", zap.Error(err))
	} else {
		p.deliver(ctx, out)
	}

	p.remember(ctx, exchange{
		npcID:      job.NPCID,
		at:         job.Time,
		heard:      job.Content,
		said:       plan,
		importance: p.rate(ctx, plan),
	})

	if err := p.queue.MarkProcessed(ctx, job.RequestID); err != nil {
		log.Error("mark behavior processed failed", zap.Error(err))
	} else if err := p.queue.MarkFullyProcessed(ctx, job.RequestID); err != nil {
		log.Error("mark behavior fully processed failed", zap.Error(err))
	}

	log.Info("Behavior decided", zap.Int("action", instr.ActionID))
	return 1, nil
}

// speech returns the lines the NPC says during its action, or "" when the
// gate is off, says no, or fails.
func (p *BehaviorPipeline) speech(ctx context.Context, log *zap.Logger, gate, speak string) string {
	if !p.Options.SpeechGate {
		return ""
	}
	answer, err := p.LLM.Complete(ctx, gateSystem, gate, provider.TierSmall)
	if err != nil {
		log.Warn("speech gate failed", zap.Error(err))
		return ""
	}
	if !ParseBool(answer) {
		return ""
	}
	lines, err := p.LLM.Complete(ctx, speechSystem, speak, provider.TierSmall)
	if err != nil {
		log.Warn("speech generation failed", zap.Error(err))
		return ""
	}
	return lines
}
