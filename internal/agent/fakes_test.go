package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/config"
	"github.com/nidhogg/aitown/internal/events"
	"github.com/nidhogg/aitown/internal/memory"
	"github.com/nidhogg/aitown/internal/provider"
	"github.com/nidhogg/aitown/internal/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeQueue is an in-memory job buffer with the same claim rules as the
// SQL queue.
type fakeQueue struct {
	mu    sync.Mutex
	jobs  []*store.Job
	fully map[int64]bool
}

func newFakeQueue(jobs ...store.Job) *fakeQueue {
	q := &fakeQueue{fully: make(map[int64]bool)}
	for i := range jobs {
		j := jobs[i]
		q.jobs = append(q.jobs, &j)
	}
	sort.SliceStable(q.jobs, func(a, b int) bool {
		if !q.jobs[a].Time.Equal(q.jobs[b].Time) {
			return q.jobs[a].Time.Before(q.jobs[b].Time)
		}
		return q.jobs[a].RequestID < q.jobs[b].RequestID
	})
	return q
}

func (q *fakeQueue) Claim(context.Context) (*store.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if !j.IsProcessed && !j.IsBeingProcessed {
			j.IsBeingProcessed = true
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) ListUnprocessedForAgent(_ context.Context, npcID int) ([]store.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.Job
	for _, j := range q.jobs {
		if !j.IsProcessed && j.NPCID == npcID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (q *fakeQueue) MarkProcessed(_ context.Context, ids ...int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		for _, j := range q.jobs {
			if j.RequestID == id {
				j.IsProcessed = true
			}
		}
	}
	return nil
}

func (q *fakeQueue) MarkFullyProcessed(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fully[id] = true
	return nil
}

func (q *fakeQueue) get(id int64) store.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.RequestID == id {
			return *j
		}
	}
	return store.Job{}
}

// fakeMemory keeps memory, reflection and schedule rows in slices.
type fakeMemory struct {
	mu          sync.Mutex
	rows        []memory.Row
	reflections []memory.Reflection
	schedules   []memory.Schedule
	appendErr   error
}

func (m *fakeMemory) AppendMemory(_ context.Context, r memory.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.rows = append(m.rows, r)
	return nil
}

func (m *fakeMemory) MemoriesBefore(_ context.Context, npcID int, before time.Time, _ int) ([]memory.Row, error) {
	return m.filter(func(r memory.Row) bool { return r.NPCID == npcID && r.Time.Before(before) }), nil
}

func (m *fakeMemory) ConversationBefore(_ context.Context, npcID int, before time.Time, speaker string, _ int) ([]memory.Row, error) {
	return m.filter(func(r memory.Row) bool {
		return r.NPCID == npcID && r.Time.Before(before) && r.Speaker == speaker
	}), nil
}

func (m *fakeMemory) filter(keep func(memory.Row) bool) []memory.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Row
	for _, r := range m.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *fakeMemory) ReflectionBefore(_ context.Context, npcID int, before time.Time) (*memory.Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *memory.Reflection
	for i, r := range m.reflections {
		if r.NPCID == npcID && r.Time.Before(before) && (best == nil || r.Time.After(best.Time)) {
			best = &m.reflections[i]
		}
	}
	return best, nil
}

func (m *fakeMemory) LatestSchedule(_ context.Context, npcID int) (*memory.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *memory.Schedule
	for i, s := range m.schedules {
		if s.NPCID == npcID && (best == nil || s.Time.After(best.Time)) {
			best = &m.schedules[i]
		}
	}
	return best, nil
}

func (m *fakeMemory) appended() []memory.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.Row(nil), m.rows...)
}

// fakeSink records instructions.
type fakeSink struct {
	mu    sync.Mutex
	items []store.Instruction
	err   error
}

func (s *fakeSink) InsertInstruction(_ context.Context, in store.Instruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, in)
	return nil
}

func (s *fakeSink) Publish(ctx context.Context, in store.Instruction) error {
	return s.InsertInstruction(ctx, in)
}

// llmCall is one recorded completion request.
type llmCall struct {
	system, user string
	tier         provider.Tier
}

// scriptedLLM answers by matching the system prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   []llmCall
	answers map[string]string
	err     error
}

func (l *scriptedLLM) Complete(_ context.Context, system, user string, tier provider.Tier) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, llmCall{system, user, tier})
	if l.err != nil {
		return "", l.err
	}
	for prefix, answer := range l.answers {
		if strings.HasPrefix(system, prefix) {
			return answer, nil
		}
	}
	return "ok", nil
}

func (l *scriptedLLM) recorded() []llmCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]llmCall(nil), l.calls...)
}

// fixedEmbedder embeds every text as the same unit vector. With failAfter
// set, calls beyond the first failAfter return errDown.
type fixedEmbedder struct {
	mu        sync.Mutex
	texts     []string
	err       error
	failAfter int
	calls     int
}

func (e *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.calls++
	if e.failAfter > 0 && e.calls > e.failAfter {
		return nil, errDown
	}
	e.texts = append(e.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int { return 2 }

// fakeEvents returns fixed matches.
type fakeEvents struct {
	matches []events.Match
	err     error
}

func (f *fakeEvents) Relevant(context.Context, int, []float32) ([]events.Match, error) {
	return f.matches, f.err
}

// fakeRelations counts interactions.
type fakeRelations struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *fakeRelations) RecordInteraction(_ context.Context, npcID int, speaker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[speaker]++
	return nil
}

func (r *fakeRelations) Describe(_ context.Context, _ int, speaker string) (string, error) {
	return "You have talked with " + speaker + " before.", nil
}

var errDown = errors.New("service down")

var testChars = []config.Character{
	{
		NPCID:       10002,
		Name:        "Ann",
		Description: "A baker who wakes before dawn. She loves gossip.",
		AvailableActions: []config.Action{
			{ActionID: 101, ActionName: "bake", Description: "bake bread", Location: "oven"},
			{ActionID: 102, ActionName: "sleep", Description: "go to bed", Location: "bed"},
		},
	},
	{NPCID: 10003, Name: "Bo", Description: "A fisherman. Quiet."},
}

type harness struct {
	deps   *Deps
	memory *fakeMemory
	sink   *fakeSink
	llm    *scriptedLLM
	emb    *fixedEmbedder
}

func newHarness() *harness {
	h := &harness{
		memory: &fakeMemory{},
		sink:   &fakeSink{},
		llm:    &scriptedLLM{answers: map[string]string{}},
		emb:    &fixedEmbedder{},
	}
	h.deps = &Deps{
		Characters:   NewCharacters(testChars),
		Memory:       h.memory,
		Instructions: h.sink,
		LLM:          h.llm,
		Embedder:     h.emb,
		Logger:       zap.NewNop(),
	}
	return h
}
