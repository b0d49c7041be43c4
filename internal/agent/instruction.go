package agent

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/nidhogg/aitown/internal/config"
	"github.com/nidhogg/aitown/internal/store"
)

// ActionChat is the engine action that delivers a chat reply.
const ActionChat = 117

// fallbackDuration is used when the behavior instruction cannot be parsed.
const fallbackDuration = 30 * 60 * 1000

// ChatData is the engine's chat message block.
type ChatData struct {
	MsgID      string `json:"msgId"`
	SenderName string `json:"sname"`
	Sender     string `json:"sender"`
	Type       int    `json:"type"`
	Content    string `json:"content"`
	Time       string `json:"time"`
	Barrage    int    `json:"barrage"`
	PrivateMsg string `json:"privateMsg"`
}

// ChatInstruction tells the engine an NPC replies to a comment.
type ChatInstruction struct {
	ActionID int    `json:"actionId"`
	NPCID    string `json:"npcId"`
	Data     struct {
		Content  string   `json:"content"`
		ChatData ChatData `json:"chatData"`
	} `json:"data"`
}

func newChatInstruction(job store.Job, reply string) ChatInstruction {
	in := ChatInstruction{ActionID: ActionChat, NPCID: strconv.Itoa(job.NPCID)}
	in.Data.Content = reply
	in.Data.ChatData = ChatData{
		MsgID:      strconv.Itoa(job.MsgID),
		SenderName: job.SenderName,
		Sender:     job.SenderID,
		Content:    reply,
		Time:       strconv.FormatInt(job.Time.UnixMilli(), 10),
		PrivateMsg: strconv.FormatBool(job.PrivateMsg),
	}
	return in
}

// BehaviorInstruction is an action for the engine to perform.
type BehaviorInstruction struct {
	NPCID        int            `json:"npcId"`
	ActionID     int            `json:"actionId"`
	Data         map[string]any `json:"data"`
	DurationTime int64          `json:"durationTime"`
	Speak        []string       `json:"speak"`
	Mood         string         `json:"mood"`
}

// parseBehavior reads the translator's answer. The npc id always comes
// from the character, never from the model. It reports false when the
// answer holds no usable instruction.
func parseBehavior(raw string, ch config.Character) (BehaviorInstruction, bool) {
	doc, ok := ExtractJSON(raw)
	if !ok {
		return BehaviorInstruction{}, false
	}
	var in BehaviorInstruction
	if err := json.Unmarshal([]byte(doc), &in); err != nil {
		return BehaviorInstruction{}, false
	}
	if !hasAction(ch, in.ActionID) {
		return BehaviorInstruction{}, false
	}
	in.NPCID = ch.NPCID
	if in.Data == nil {
		in.Data = map[string]any{}
	}
	if in.Speak == nil {
		in.Speak = []string{}
	}
	if in.Mood == "" {
		in.Mood = "none"
	}
	return in, true
}

func hasAction(ch config.Character, id int) bool {
	for _, a := range ch.AvailableActions {
		if a.ActionID == id {
			return true
		}
	}
	return false
}

// fallbackBehavior keeps the NPC busy with its first action when the model
// output is unusable.
func fallbackBehavior(ch config.Character) BehaviorInstruction {
	in := BehaviorInstruction{
		NPCID:        ch.NPCID,
		Data:         map[string]any{},
		DurationTime: fallbackDuration,
		Speak:        []string{},
		Mood:         "none",
	}
	if len(ch.AvailableActions) > 0 {
		a := ch.AvailableActions[0]
		in.ActionID = a.ActionID
		in.Data["oid"] = a.Location
	}
	return in
}

func instructionFor(job store.Job, kind store.Kind, payload any) (store.Instruction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return store.Instruction{}, fmt.Errorf("marshal instruction: %w", err)
	}
	return store.Instruction{
		ID:        uuid.NewString(),
		RequestID: job.RequestID,
		Kind:      kind,
		Time:      job.Time,
		NPCID:     job.NPCID,
		MsgID:     job.MsgID,
		Payload:   raw,
	}, nil
}
