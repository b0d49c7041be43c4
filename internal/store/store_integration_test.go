//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/memory"
)

var testStore *Store

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("aitown_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer container.Terminate(ctx)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg connection string: %v\n", err)
		return 1
	}
	testStore, err = New(ctx, dsn, DefaultOptions(), zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		return 1
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return m.Run()
}

func freshQueue(t *testing.T, kind Kind) *Queue {
	t.Helper()
	q, err := testStore.Queue(kind)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := q.DeleteAll(context.Background()); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	return q
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	q := freshQueue(t, KindComment)

	for i, offset := range []int{30, 10, 20} {
		err := q.Enqueue(ctx, Job{
			RequestID: int64(i + 1),
			Time:      base.Add(time.Duration(offset) * time.Second),
			NPCID:     10,
			Content:   fmt.Sprintf("comment %d", i+1),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var order []int64
	for {
		j, err := q.Claim(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if j == nil {
			break
		}
		if !j.IsBeingProcessed || j.ClaimedAt == nil {
			t.Errorf("claimed job %d not flagged", j.RequestID)
		}
		order = append(order, j.RequestID)
	}
	want := []int64{2, 3, 1}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("claim order %v, want %v", order, want)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q := freshQueue(t, KindBehavior)

	const jobs = 40
	for i := 0; i < jobs; i++ {
		if err := q.Enqueue(ctx, Job{RequestID: int64(i + 1), Time: base.Add(time.Duration(i) * time.Millisecond), NPCID: i % 4}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Claim(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.RequestID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %d claimed %d times", id, n)
		}
	}
}

func TestProcessedJobsAreNeverClaimed(t *testing.T) {
	ctx := context.Background()
	q := freshQueue(t, KindComment)

	if err := q.Enqueue(ctx, Job{RequestID: 1, Time: base, NPCID: 1, IsProcessed: true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j != nil {
		t.Errorf("claimed processed job %d", j.RequestID)
	}
}

func TestMarkProcessedIdempotent(t *testing.T) {
	ctx := context.Background()
	q := freshQueue(t, KindComment)

	if err := q.Enqueue(ctx, Job{RequestID: 7, Time: base, NPCID: 3, Content: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.MarkProcessed(ctx, 7, 999); err != nil {
			t.Fatalf("mark processed (%d): %v", i, err)
		}
	}
	j, err := q.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !j.IsProcessed {
		t.Error("job not processed")
	}
	if j.IsBeingProcessed {
		t.Error("mark processed should not touch the claim flag")
	}
}

func TestEnqueueUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	q := freshQueue(t, KindComment)

	if err := q.Enqueue(ctx, Job{RequestID: 5, Time: base, NPCID: 2, Content: "first", SenderName: "Ann"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, Job{RequestID: 5, Time: base, NPCID: 2, Content: "second", SenderName: "Bo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := q.Get(ctx, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Content != "second" || j.SenderName != "Bo" {
		t.Errorf("got %q from %q, want overwrite", j.Content, j.SenderName)
	}
	if _, err := q.Get(ctx, 404); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

func TestListUnprocessedForAgent(t *testing.T) {
	ctx := context.Background()
	q := freshQueue(t, KindComment)

	jobs := []Job{
		{RequestID: 1, Time: base, NPCID: 4, Content: "a"},
		{RequestID: 2, Time: base.Add(time.Second), NPCID: 4, Content: "b"},
		{RequestID: 3, Time: base, NPCID: 5, Content: "other npc"},
		{RequestID: 4, Time: base, NPCID: 4, Content: "done", IsProcessed: true},
	}
	for _, j := range jobs {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := q.ListUnprocessedForAgent(ctx, 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].RequestID != 1 || got[1].RequestID != 2 {
		t.Errorf("got %+v, want jobs 1 and 2 (claimed included)", got)
	}
}

func TestReleaseExpired(t *testing.T) {
	ctx := context.Background()
	q := freshQueue(t, KindBehavior)

	if err := q.Enqueue(ctx, Job{RequestID: 1, Time: base, NPCID: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := q.ReleaseExpired(ctx, time.Hour)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 0 {
		t.Errorf("released %d fresh claims", n)
	}

	time.Sleep(20 * time.Millisecond)
	n, err = q.ReleaseExpired(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	j, err := q.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("reclaim: %v, %v", j, err)
	}

	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Claimed != 1 || st.Pending != 0 {
		t.Errorf("stats %+v", st)
	}
}

func TestMemoriesBefore(t *testing.T) {
	ctx := context.Background()
	npc := 9000 + int(time.Now().UnixNano()%1000)

	rows := []memory.Row{
		{NPCID: npc, Time: base, Direction: memory.Incoming, Content: "Ann said to you :hello", Importance: 3, Embedding: []float32{1, 0}, Speaker: "Ann"},
		{NPCID: npc, Time: base.Add(time.Minute), Direction: memory.Outgoing, Content: "you said to Ann :hi", Importance: 0, Embedding: []float32{0, 1}, Speaker: "Ann"},
		{NPCID: npc, Time: base.Add(2 * time.Minute), Content: "Bo said to you :yo", Importance: 2, Speaker: "Bo"},
		{NPCID: npc, Time: base.Add(time.Hour), Content: "later", Importance: 1},
	}
	for _, r := range rows {
		if err := testStore.AppendMemory(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := testStore.MemoriesBefore(ctx, npc, base.Add(10*time.Minute), 0)
	if err != nil {
		t.Fatalf("memories: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	if got[0].Speaker != "Bo" {
		t.Errorf("got %q first, want newest", got[0].Content)
	}
	if got[0].Embedding == nil || len(got[0].Embedding) != 0 {
		t.Errorf("row without a vector: got %#v, want empty", got[0].Embedding)
	}
	if got[1].Importance != 1 {
		t.Errorf("importance %d, want clamped to 1", got[1].Importance)
	}
	if len(got[2].Embedding) != 2 || got[2].Embedding[0] != 1 {
		t.Errorf("embedding round trip: %v", got[2].Embedding)
	}

	conv, err := testStore.ConversationBefore(ctx, npc, base.Add(10*time.Minute), "Ann", 1)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(conv) != 1 || conv[0].Direction != memory.Outgoing {
		t.Errorf("conversation %+v", conv)
	}
}

func TestReflectionAndSchedule(t *testing.T) {
	ctx := context.Background()
	npc := 8000 + int(time.Now().UnixNano()%1000)

	r, err := testStore.ReflectionBefore(ctx, npc, base)
	if err != nil || r != nil {
		t.Fatalf("empty reflection: %v, %v", r, err)
	}

	for i, text := range []string{"old thought", "new thought", "future thought"} {
		if err := testStore.SaveReflection(ctx, memory.Reflection{NPCID: npc, Time: base.Add(time.Duration(i) * time.Hour), Text: text}); err != nil {
			t.Fatalf("save reflection: %v", err)
		}
	}
	r, err = testStore.ReflectionBefore(ctx, npc, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("reflection: %v", err)
	}
	if r == nil || r.Text != "new thought" {
		t.Errorf("got %+v, want new thought", r)
	}

	for i, text := range []string{"bake bread", "open shop"} {
		if err := testStore.SaveSchedule(ctx, memory.Schedule{NPCID: npc, Time: base.Add(time.Duration(i) * time.Hour), Text: text}); err != nil {
			t.Fatalf("save schedule: %v", err)
		}
	}
	sc, err := testStore.LatestSchedule(ctx, npc)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sc == nil || sc.Text != "open shop" {
		t.Errorf("got %+v, want open shop", sc)
	}
}

func TestInsertInstructionReplaces(t *testing.T) {
	ctx := context.Background()
	npc := 7000 + int(time.Now().UnixNano()%1000)

	for _, payload := range []string{`{"actionId":1}`, `{"actionId":117}`} {
		err := testStore.InsertInstruction(ctx, Instruction{
			ID:        "6f1c1c3e-8d1a-4a43-9b0e-6c7f0a1b2c3d",
			RequestID: 42,
			Kind:      KindComment,
			Time:      base,
			NPCID:     npc,
			Payload:   []byte(payload),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := testStore.PendingInstructions(ctx, npc)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d instructions, want 1", len(got))
	}
	if string(got[0].Payload) != `{"actionId": 117}` && string(got[0].Payload) != `{"actionId":117}` {
		t.Errorf("payload %s", got[0].Payload)
	}
}

func TestEnsureConnectedAfterStale(t *testing.T) {
	ctx := context.Background()
	testStore.markStale()
	if err := testStore.EnsureConnected(ctx); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	if testStore.lastHealthy.Load() == 0 {
		t.Error("healthy timestamp not refreshed")
	}
}

func TestUnknownQueue(t *testing.T) {
	if _, err := testStore.Queue("nope"); err == nil {
		t.Error("expected error for unknown queue")
	}
}
