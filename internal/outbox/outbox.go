package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/store"
)

const streamPrefix = "aitown:instructions:"

// DefaultMaxLen caps each agent stream; older entries are trimmed
// approximately.
const DefaultMaxLen = 1000

// Stream returns the stream key for an agent.
func Stream(npcID int) string {
	return streamPrefix + strconv.Itoa(npcID)
}

// Publisher fans instructions out to the game engine over Redis Streams,
// one stream per agent.
type Publisher struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Publisher{rdb: rdb, maxLen: DefaultMaxLen, logger: logger}, nil
}

// Publish appends an instruction to its agent's stream.
func (p *Publisher) Publish(ctx context.Context, in store.Instruction) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode instruction: %w", err)
	}

	stream := Stream(in.NPCID)
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind": string(in.Kind),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	p.logger.Debug("published instruction",
		zap.String("stream", stream),
		zap.String("entry", id),
		zap.Int64("request_id", in.RequestID))
	return nil
}

// Subscribe streams instructions for one agent published after the call.
// The channel closes when ctx is done.
func (p *Publisher) Subscribe(ctx context.Context, npcID int) <-chan store.Instruction {
	return p.subscribe(ctx, npcID, "$")
}

// Replay is Subscribe starting from the beginning of the agent's stream.
func (p *Publisher) Replay(ctx context.Context, npcID int) <-chan store.Instruction {
	return p.subscribe(ctx, npcID, "0")
}

func (p *Publisher) subscribe(ctx context.Context, npcID int, lastID string) <-chan store.Instruction {
	ch := make(chan store.Instruction, 16)
	stream := Stream(npcID)

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}

			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					p.logger.Warn("read instruction stream failed", zap.String("stream", stream), zap.Error(err))
					time.Sleep(200 * time.Millisecond)
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var in store.Instruction
					if err := json.Unmarshal([]byte(data), &in); err != nil {
						p.logger.Warn("skip malformed instruction", zap.String("entry", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- in:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Len reports how many entries an agent's stream holds.
func (p *Publisher) Len(ctx context.Context, npcID int) (int64, error) {
	n, err := p.rdb.XLen(ctx, Stream(npcID)).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return n, nil
}

// Close shuts down the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
