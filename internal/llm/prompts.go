// Package llm provides the completion engine adapters (OpenAI-compatible and
// Ollama) and the LLM-backed classifiers the turn pipeline consumes: goal
// generation, goal completion checks, image request detection and pose
// prompt derivation. Classifier prompts are strict JSON-only templates and
// their replies go through tolerant parsers.
package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/companion/pkg/types"
)

// goalTypeDescriptions maps goal types to brief descriptions for prompts.
var goalTypeDescriptions = map[types.GoalType]string{
	types.GoalRelationship: "Deepen the bond: learn something personal, share a feeling, build trust",
	types.GoalActivity:     "Do something together in the story: a date, a trip, a game",
	types.GoalImageRequest: "The user gets the character to send a specific kind of picture",
}

// GoalGenerationPrompt generates a strict JSON-only prompt for a new
// conversation goal.
//
// Parameters:
//   - persona: description of the character the user talks to
//   - userPersona: optional description of who the user plays as
//   - allowed: goal types permitted for the user's tier
//   - language: language the goal text must be written in
func GoalGenerationPrompt(persona, userPersona string, allowed []types.GoalType, language string) string {
	var typeLines strings.Builder
	names := make([]string, 0, len(allowed))
	for _, t := range allowed {
		fmt.Fprintf(&typeLines, "- %s: %s\n", t, goalTypeDescriptions[t])
		names = append(names, string(t))
	}
	if userPersona == "" {
		userPersona = "(not provided)"
	}

	return fmt.Sprintf(`TASK: Invent one short conversation goal the user can reach by chatting with the character.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

CHARACTER:
%s

USER PLAYS AS:
%s

GOAL TYPES (ONLY these):
%s
REQUIRED JSON FIELDS:
- goal_type: one of %s
- goal_description: one sentence, written in %s
- completion_condition: what must happen in the chat, written in %s
- target_phrase: a short phrase that signals completion (may be empty)
- user_action_required: what the user must do, written in %s
- difficulty: easy|medium|hard
- estimated_messages: integer between 3 and 30

RESPOND WITH ONLY THIS JSON STRUCTURE (nothing else):
{"goal_type":"relationship","goal_description":"...","completion_condition":"...","target_phrase":"...","user_action_required":"...","difficulty":"easy","estimated_messages":8}`,
		persona, userPersona, typeLines.String(), strings.Join(names, "|"), language, language, language)
}

// GoalCompletionPrompt generates a strict JSON-only prompt asking whether the
// active goal was reached in the recent messages.
func GoalCompletionPrompt(goal types.Goal, recent []types.Message, language string) string {
	return fmt.Sprintf(`TASK: Decide whether the conversation goal has been completed.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

GOAL:
- type: %s
- description: %s
- completion condition: %s
- target phrase: %s
- user action required: %s

RECENT MESSAGES (oldest first):
%s
RULES:
1. completed is true only if the completion condition clearly happened
2. confidence is an integer 0-100
3. reason is one short sentence in %s, addressed to the character, hinting what is still missing when not completed

RESPOND WITH ONLY THIS JSON STRUCTURE (nothing else):
{"completed":false,"confidence":40,"reason":"..."}`,
		goal.Type, goal.Description, goal.CompletionCondition, goal.TargetPhrase, goal.UserActionRequired,
		FormatTranscript(recent), language)
}

// ImageRequestPrompt generates a strict JSON-only prompt that decides whether
// a character reply promises to send a picture.
func ImageRequestPrompt(reply string) string {
	return fmt.Sprintf(`TASK: Decide whether this chat message from a character says they are sending a picture or photo now.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

MESSAGE:
%s

RULES:
1. image_request is true only if the character is sending or about to send a picture in this message
2. Talking about pictures in general is NOT an image request
3. image_num is the number of pictures promised, 1 if unclear

RESPOND WITH ONLY THIS JSON STRUCTURE (nothing else):
{"image_request":false,"image_num":1}`, reply)
}

// PosePrompt generates the prompt that turns a chat request into a single-line
// image generation prompt for the character.
func PosePrompt(characterDescription, request string, restricted bool) string {
	class := "safe for work. No nudity or sexual content."
	if restricted {
		class = "adult content is allowed when the request asks for it."
	}
	return fmt.Sprintf(`TASK: Write one image generation prompt showing the character doing what the request describes.
OUTPUT: ONE line of comma-separated English tags. NO explanation. NO quotes.

CHARACTER APPEARANCE:
%s

REQUEST:
%s

CONTENT CLASS: %s

Keep the character's appearance exactly. Describe pose, outfit, place and lighting.`, characterDescription, request, class)
}

// FormatTranscript renders messages as "role: content" lines, skipping
// control and media entries.
func FormatTranscript(messages []types.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.IsControl() || m.IsMedia() {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	return b.String()
}
