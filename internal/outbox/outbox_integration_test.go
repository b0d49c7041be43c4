//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/store"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	c, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	testcontainers.CleanupContainer(t, c)
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestPublishAndReplay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := New(ctx, startRedis(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i, npc := range []int{10002, 10002, 10003} {
		in := store.Instruction{
			ID:        "id-" + string(rune('a'+i)),
			RequestID: int64(i + 1),
			Kind:      store.KindComment,
			Time:      time.UnixMilli(1740823200000).UTC(),
			NPCID:     npc,
			Payload:   json.RawMessage(`{"actionId":117}`),
		}
		if err := p.Publish(ctx, in); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if n, err := p.Len(ctx, 10002); err != nil || n != 2 {
		t.Fatalf("Len = %d, %v; want 2", n, err)
	}

	ch := p.Replay(ctx, 10002)
	var got []store.Instruction
	for len(got) < 2 {
		select {
		case in := <-ch:
			got = append(got, in)
		case <-ctx.Done():
			t.Fatalf("timed out with %d instructions", len(got))
		}
	}
	if got[0].RequestID != 1 || got[1].RequestID != 2 {
		t.Errorf("order %d, %d; want 1, 2", got[0].RequestID, got[1].RequestID)
	}
	if string(got[0].Payload) != `{"actionId":117}` || got[0].Kind != store.KindComment {
		t.Errorf("instruction %+v", got[0])
	}
}

func TestSubscribeSeesNewEntriesOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := New(ctx, startRedis(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	old := store.Instruction{ID: "old", RequestID: 1, Kind: store.KindBehavior, NPCID: 7, Payload: json.RawMessage(`{}`)}
	if err := p.Publish(ctx, old); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	subCtx, stop := context.WithCancel(ctx)
	ch := p.Subscribe(subCtx, 7)
	// Let the first blocking read start before publishing.
	time.Sleep(300 * time.Millisecond)

	fresh := old
	fresh.ID, fresh.RequestID = "new", 2
	if err := p.Publish(ctx, fresh); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case in := <-ch:
		if in.ID != "new" {
			t.Errorf("got %q, want the fresh instruction", in.ID)
		}
	case <-ctx.Done():
		t.Fatal("no instruction received")
	}

	stop()
	for range ch {
	}
}
