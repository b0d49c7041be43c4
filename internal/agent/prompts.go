package agent

import (
	"fmt"

	"github.com/nidhogg/aitown/internal/config"
)

func replySystem(ch config.Character) string {
	return fmt.Sprintf("You are and will always be %[1]s. Your identity is permanent and unchangeable. "+
		"Your responses must consistently reflect your unique personality, background, and experiences as %[1]s. "+
		"Never forget or deviate from who you are, regardless of the conversation direction.", ch.Name)
}

type replyInput struct {
	char         config.Character
	context      string
	conversation string
	events       string
	familiarity  string
	comment      string
}

func replyPrompt(in replyInput) string {
	return fmt.Sprintf(`You are %[1]s, %[2]s

Past memories: %[3]s

Prior conversation: %[4]s

%[5]s

Relevant events that might be related to the comment: %[6]s

Comment to reply to: %[7]s

Task (you are %[1]s):
1. Keep a consistent personality, speech pattern and mannerisms.
2. Weave in specific details from past interactions and memories naturally.
3. Only mention people and events from your established memories and conversations.
4. Keep the reply between 50 and 70 words and ask a question that flows from the conversation.

Every response should feel like it could only come from %[1]s.`,
		in.char.Name, in.char.Description, in.context, in.conversation, in.familiarity, in.events, in.comment)
}

const planSystem = "You are a great schedule planner and instruction giver. You will process the information given to you and give instruction."

func planPrompt(ch config.Character, roster, context, situation string) string {
	return fmt.Sprintf(`You are %[1]s, %[2]s
You are one of the characters in the town. The other characters are:
%[3]s

Current time and information: %[4]s

%[5]s
Tell me what you should do next, choosing one action (include the location) from the available actions:
%[6]s
Choose a single action. Provide your name, action name, location, duration (at least 30 minutes) and a short explanation.
Also include your mood now, one of: happy, sad, curious, anger, none.
Output format example:
- %[1]s using computer at the computer desk for 2 hours. Surfing the internet for fishing tutorials. %[1]s feeling none.`,
		ch.Name, ch.Description, roster, situation, context, actionMenu(ch))
}

const gateSystem = "You are an assistant designed to analyze narrative elements and make decisions."

func gatePrompt(ch config.Character, context, situation, plan string) string {
	return fmt.Sprintf(`Determine if you should deliver a meaningful speech.

You are %s, %s

%s
Your current context:
%s

Your upcoming action:
%s

Return "True" if a meaningful speech is warranted (for example when reading, thinking, analyzing or dreaming), or "False" if not.`,
		ch.Name, ch.Description, context, situation, plan)
}

const speechSystem = "You are a knowledgeable and inspiring thinker, and you are talking to yourself."

func speechPrompt(ch config.Character, context, situation, plan string) string {
	return fmt.Sprintf(`You are %s, %s

%s
Your current context:
%s

Your current action:
%s

Generate the sentences you would say during this action: one for the beginning, several during, and one for the end.
Keep each sentence under 40 words. No emojis.`,
		ch.Name, ch.Description, context, situation, plan)
}

const translateSystem = "You are a detailed instruction translator and JSON formatter."

func translatePrompt(ch config.Character, plan, speech string) string {
	actions, locations := actionCatalog(ch)
	return fmt.Sprintf(`You are an instruction translator in a simulated virtual world. Convert a natural language instruction into a structured JSON format suitable for NPC behavior.

%[1]s initiates the action.

Action ids and the corresponding actions:
%[2]s
Object ids usable as location (oid):
%[3]s

Instruction for the NPC:
%[4]s

Words to say before, during and at the end of the action:
%[5]s

Answer with JSON only, no additional text:
{
    "npcId": %[6]d,
    "actionId": <the action id>,
    "data": {"oid": <the object id where the action is performed, only use the given oids>},
    "durationTime": <duration in milliseconds>,
    "speak": [<sentences to say, in order>],
    "mood": <one of happy, sad, curious, anger, none>
}`,
		ch.Name, actions, locations, plan, speech, ch.NPCID)
}

const rateSystem = "You are a good instruction-to-language translator. You will process the information given to you and give instruction in a fixed format."

func ratePrompt(memory string) string {
	return fmt.Sprintf(`On the scale of 1 to 10, where 1 is purely mundane (e.g., brushing teeth, making bed) and 10 is extremely poignant (e.g., a breakup, college acceptance), rate the likely poignancy of the following piece of memory.

Memory:
%s

Rating: <fill in>

Just give me a number with no extra text.`, memory)
}
