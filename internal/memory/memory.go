package memory

import "time"

// Direction tells whether a memory was heard or said by the agent.
type Direction int

const (
	Incoming Direction = 0
	Outgoing Direction = 1
)

// Row is one entry of an agent's memory stream. Rows are immutable once
// written and never deleted.
type Row struct {
	NPCID      int       `json:"npc_id"`
	Time       time.Time `json:"time"`
	Direction  Direction `json:"direction"`
	Content    string    `json:"content"`
	Importance int       `json:"importance"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Speaker    string    `json:"speaker"`
}

// Reflection is a periodic summary checkpoint of an agent's memories.
type Reflection struct {
	NPCID int       `json:"npc_id"`
	Time  time.Time `json:"time"`
	Text  string    `json:"text"`
}

// Schedule is an agent's daily plan. The most recent one wins.
type Schedule struct {
	NPCID int       `json:"npc_id"`
	Time  time.Time `json:"time"`
	Text  string    `json:"schedule"`
}

// ClampImportance keeps an importance rating inside the 1..10 scale.
func ClampImportance(v int) int {
	switch {
	case v < 1:
		return 1
	case v > 10:
		return 10
	}
	return v
}
