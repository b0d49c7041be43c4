package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Instruction is an action the game engine should perform for an agent.
// Payload is the engine-facing JSON document.
type Instruction struct {
	ID          string          `json:"id"`
	RequestID   int64           `json:"request_id"`
	Kind        Kind            `json:"kind"`
	Time        time.Time       `json:"time"`
	NPCID       int             `json:"npc_id"`
	MsgID       int             `json:"msg_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	IsProcessed bool            `json:"is_processed"`
}

// InsertInstruction writes an instruction, replacing any earlier instruction
// for the same request so a retried job does not leave duplicates.
func (s *Store) InsertInstruction(ctx context.Context, in Instruction) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO instructions (id, kind, request_id, ts, npc_id, msg_id, payload, is_processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		ON CONFLICT (kind, request_id) DO UPDATE SET
			id = EXCLUDED.id,
			ts = EXCLUDED.ts,
			payload = EXCLUDED.payload,
			is_processed = FALSE`,
		in.ID, string(in.Kind), in.RequestID, in.Time, in.NPCID, in.MsgID, []byte(in.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert instruction: %w", s.observe(err))
	}
	return nil
}

// PendingInstructions returns instructions the engine has not consumed yet,
// oldest first.
func (s *Store) PendingInstructions(ctx context.Context, npcID int) ([]Instruction, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, request_id, ts, npc_id, msg_id, payload, is_processed
		FROM instructions
		WHERE npc_id = $1 AND is_processed = FALSE
		ORDER BY ts ASC`, npcID)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", s.observe(err))
	}
	defer rows.Close()

	var out []Instruction
	for rows.Next() {
		var in Instruction
		var kind string
		var payload []byte
		if err := rows.Scan(&in.ID, &kind, &in.RequestID, &in.Time, &in.NPCID, &in.MsgID, &payload, &in.IsProcessed); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		in.Kind = Kind(kind)
		in.Payload = payload
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instructions: %w", s.observe(err))
	}
	return out, nil
}
