package agent

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/embedding"
	"github.com/nidhogg/aitown/internal/events"
	"github.com/nidhogg/aitown/internal/memory"
	"github.com/nidhogg/aitown/internal/provider"
	"github.com/nidhogg/aitown/internal/store"
)

// ReplyPipeline answers viewer comments addressed to NPCs.
type ReplyPipeline struct {
	*Deps
	queue  JobQueue
	events events.Index
	// pick chooses an index in [0, n).
	pick func(n int) int
}

// NewReplyPipeline creates a reply pipeline. idx may be nil.
func NewReplyPipeline(deps *Deps, queue JobQueue, idx events.Index) *ReplyPipeline {
	return &ReplyPipeline{Deps: deps, queue: queue, events: idx, pick: rand.IntN}
}

// ProcessOnce claims one comment and, if there was one, replies to a
// randomly chosen pending comment of the same NPC. It returns 0 when the
// queue was empty and 1 when a job was handled.
func (p *ReplyPipeline) ProcessOnce(ctx context.Context) (int, error) {
	job, err := p.queue.Claim(ctx)
	if err != nil {
		return 0, fmt.Errorf("claim comment: %w", err)
	}
	if job == nil {
		return 0, nil
	}
	log := p.Logger.With(zap.Int64("request_id", job.RequestID), zap.Int("npc", job.NPCID))
	log.Info("Comment claimed")

	char, err := p.Characters.Get(job.NPCID)
	if err != nil {
		return 0, err
	}

	pending, err := p.queue.ListUnprocessedForAgent(ctx, job.NPCID)
	if err != nil {
		return 0, fmt.Errorf("list pending comments: %w", err)
	}
	if len(pending) == 0 {
		pending = []store.Job{*job}
	}
	chosen := pending[p.pick(len(pending))]
	at := chosen.Time
	log = log.With(zap.Int64("reply_to", chosen.RequestID), zap.String("speaker", chosen.SenderName))

	query, err := embedding.EmbedOne(ctx, p.Embedder, chosen.Content)
	if err != nil {
		return 0, fmt.Errorf("embed comment: %w", err)
	}

	dc, err := p.assemble(ctx, job.NPCID, query, at)
	if err != nil {
		return 0, err
	}
	conv, err := p.Memory.ConversationBefore(ctx, job.NPCID, at, chosen.SenderName, p.Options.CandidateLimit)
	if err != nil {
		return 0, fmt.Errorf("load conversation: %w", err)
	}

	in := replyInput{
		char:         char,
		context:      dc.Format(p.Options.Budget),
		conversation: memory.Retrieve(query, at, conv, memory.NoConversation),
		events:       p.relevantEvents(ctx, log, job.NPCID, query),
		familiarity:  p.familiarity(ctx, log, job.NPCID, chosen.SenderName),
		comment:      chosen.Content,
	}
	log.Debug("Context assembled")

	reply, err := p.LLM.Complete(ctx, replySystem(char), replyPrompt(in), provider.TierSmall)
	if err != nil {
		return 0, fmt.Errorf("generate reply: %w", err)
	}

	instr, err := instructionFor(chosen, store.KindComment, newChatInstruction(chosen, reply))
	if err != nil {
		log.Error("build reply instruction failed", zap.Error(err))
	} else {
		p.deliver(ctx, instr)
	}

	heard := chosen.SenderName + " said to you :" + chosen.Content
	said := "you said to " + chosen.SenderName + " :" + reply
	p.remember(ctx, exchange{
		npcID:      job.NPCID,
		at:         at,
		speaker:    chosen.SenderName,
		heard:      heard,
		said:       said,
		importance: p.rate(ctx, heard),
	})

	ids := make([]int64, 0, len(pending)+1)
	ids = append(ids, job.RequestID)
	for _, j := range pending {
		if j.RequestID != job.RequestID {
			ids = append(ids, j.RequestID)
		}
	}
	if err := p.queue.MarkProcessed(ctx, ids...); err != nil {
		log.Error("mark comments processed failed", zap.Int("count", len(ids)), zap.Error(err))
	}

	if p.Relations != nil && chosen.SenderName != "" {
		if err := p.Relations.RecordInteraction(ctx, job.NPCID, chosen.SenderName); err != nil {
			log.Warn("record interaction failed", zap.Error(err))
		}
	}

	log.Info("Comment answered", zap.Int("marked", len(ids)))
	return 1, nil
}

func (p *ReplyPipeline) relevantEvents(ctx context.Context, log *zap.Logger, npcID int, query []float32) string {
	if p.events == nil {
		return ""
	}
	matches, err := p.events.Relevant(ctx, npcID, query)
	if err != nil {
		log.Warn("key event lookup failed", zap.Error(err))
		return ""
	}
	return events.Render(matches)
}

func (p *ReplyPipeline) familiarity(ctx context.Context, log *zap.Logger, npcID int, speaker string) string {
	if p.Relations == nil || speaker == "" {
		return ""
	}
	line, err := p.Relations.Describe(ctx, npcID, speaker)
	if err != nil {
		log.Warn("relation lookup failed", zap.Error(err))
		return ""
	}
	return line
}
