package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/aitown/internal/memory"
)

// AppendMemory writes one memory row. Rows are never updated or deleted.
func (s *Store) AppendMemory(ctx context.Context, r memory.Row) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_stream (npc_id, ts, direction, content, importance, embedding, speaker)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.NPCID, r.Time, int16(r.Direction), r.Content, int16(memory.ClampImportance(r.Importance)), vectorOrEmpty(r.Embedding), r.Speaker,
	)
	if err != nil {
		return fmt.Errorf("append memory: %w", s.observe(err))
	}
	return nil
}

// vectorOrEmpty maps a missing embedding to an empty array. pgx encodes a
// nil slice as NULL and memory_stream.embedding is NOT NULL.
func vectorOrEmpty(v []float32) []float32 {
	if v == nil {
		return []float32{}
	}
	return v
}

// MemoriesBefore returns the agent's memory rows strictly older than before,
// newest first. limit <= 0 returns every row.
func (s *Store) MemoriesBefore(ctx context.Context, npcID int, before time.Time, limit int) ([]memory.Row, error) {
	return s.queryMemories(ctx, `
		SELECT npc_id, ts, direction, content, importance, embedding, speaker
		FROM memory_stream
		WHERE npc_id = $1 AND ts < $2
		ORDER BY ts DESC, id DESC
		LIMIT $3`, npcID, before, nullableLimit(limit))
}

// ConversationBefore is MemoriesBefore restricted to rows exchanged with one
// speaker.
func (s *Store) ConversationBefore(ctx context.Context, npcID int, before time.Time, speaker string, limit int) ([]memory.Row, error) {
	return s.queryMemories(ctx, `
		SELECT npc_id, ts, direction, content, importance, embedding, speaker
		FROM memory_stream
		WHERE npc_id = $1 AND ts < $2 AND speaker = $4
		ORDER BY ts DESC, id DESC
		LIMIT $3`, npcID, before, nullableLimit(limit), speaker)
}

func (s *Store) queryMemories(ctx context.Context, sql string, args ...any) ([]memory.Row, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", s.observe(err))
	}
	defer rows.Close()

	var out []memory.Row
	for rows.Next() {
		var r memory.Row
		var dir, imp int16
		if err := rows.Scan(&r.NPCID, &r.Time, &dir, &r.Content, &imp, &r.Embedding, &r.Speaker); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		r.Direction = memory.Direction(dir)
		r.Importance = int(imp)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query memories: %w", s.observe(err))
	}
	return out, nil
}

// nullableLimit turns a non-positive limit into SQL NULL, which LIMIT treats
// as unbounded.
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// SaveReflection stores a reflection checkpoint.
func (s *Store) SaveReflection(ctx context.Context, r memory.Reflection) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO reflections (npc_id, ts, reflection) VALUES ($1, $2, $3)`,
		r.NPCID, r.Time, r.Text)
	if err != nil {
		return fmt.Errorf("save reflection: %w", s.observe(err))
	}
	return nil
}

// ReflectionBefore returns the latest reflection strictly older than before,
// or nil when there is none.
func (s *Store) ReflectionBefore(ctx context.Context, npcID int, before time.Time) (*memory.Reflection, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	r := memory.Reflection{NPCID: npcID}
	err := s.db.QueryRow(ctx, `
		SELECT ts, reflection FROM reflections
		WHERE npc_id = $1 AND ts < $2
		ORDER BY ts DESC LIMIT 1`, npcID, before).Scan(&r.Time, &r.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reflection: %w", s.observe(err))
	}
	return &r, nil
}

// SaveSchedule stores a daily schedule.
func (s *Store) SaveSchedule(ctx context.Context, sc memory.Schedule) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO schedules (npc_id, ts, schedule) VALUES ($1, $2, $3)`,
		sc.NPCID, sc.Time, sc.Text)
	if err != nil {
		return fmt.Errorf("save schedule: %w", s.observe(err))
	}
	return nil
}

// LatestSchedule returns the agent's most recent schedule, or nil.
func (s *Store) LatestSchedule(ctx context.Context, npcID int) (*memory.Schedule, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	sc := memory.Schedule{NPCID: npcID}
	err := s.db.QueryRow(ctx, `
		SELECT ts, schedule FROM schedules
		WHERE npc_id = $1
		ORDER BY ts DESC LIMIT 1`, npcID).Scan(&sc.Time, &sc.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", s.observe(err))
	}
	return &sc, nil
}
