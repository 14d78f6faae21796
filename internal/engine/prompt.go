package engine

import (
	"strconv"
	"strings"

	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/locale"
	"github.com/scrypster/companion/pkg/types"
)

// feedbackExcerpt bounds how much of a rated reply is quoted back.
const feedbackExcerpt = 200

type promptInput struct {
	Conversation *types.Conversation
	// Messages is the log view the history is built from.
	Messages    []types.Message
	Persona     *types.Persona
	UserPersona *types.Persona
	Goal        GoalOutcome
	Context     *types.Message
	Balance     int
	ImageCost   int
	Language    string
}

// buildMessages assembles the completion input: system context first, the
// transformed history, then this turn's image context message.
func buildMessages(catalog *locale.Catalog, in promptInput) []llm.ChatMessage {
	out := []llm.ChatMessage{{Role: string(types.RoleSystem), Content: systemPrompt(catalog, in)}}
	out = append(out, transformHistory(catalog, in.Language, in.Messages)...)
	if in.Context != nil {
		out = append(out, llm.ChatMessage{Role: string(types.RoleUser), Content: in.Context.Content})
	}
	return out
}

func systemPrompt(catalog *locale.Catalog, in promptInput) string {
	lang := in.Language
	conv := in.Conversation
	var parts []string
	add := func(key string, vars map[string]string) {
		parts = append(parts, catalog.T(lang, key, vars))
	}

	persona := ""
	if in.Persona != nil {
		persona = in.Persona.Description
	}
	add("system_persona", map[string]string{"persona": persona})
	add("system_chat_style", nil)

	if conv.Settings.Restricted {
		add("system_restricted", nil)
	} else {
		add("system_safe", nil)
	}

	if in.UserPersona != nil && in.UserPersona.Description != "" {
		add("system_user_persona", map[string]string{"user_persona": in.UserPersona.Description})
	}
	if conv.Scenario != "" {
		add("system_scenario", map[string]string{"scenario": conv.Scenario})
	}
	add("system_relationship", map[string]string{"relation": conv.Relation()})
	add("system_points", map[string]string{
		"points": strconv.Itoa(in.Balance),
		"cost":   strconv.Itoa(in.ImageCost),
	})

	if g := in.Goal.Goal; g != nil {
		add("system_goal", map[string]string{"goal": goalText(*g)})
		if in.Goal.Hint != "" {
			add("system_goal_hint", map[string]string{"hint": in.Goal.Hint})
		}
	}

	add("system_language", map[string]string{"language": catalog.Name(lang)})
	return strings.Join(parts, "\n\n")
}

func goalText(g types.Goal) string {
	if g.CompletionCondition == "" {
		return g.Description
	}
	return g.Description + " (" + g.CompletionCondition + ")"
}

// transformHistory turns the log into completion messages.
//
// System and hidden entries, this turn's image context, image-request
// markers and media placeholders without an image are dropped. Delivered
// images become a short note, rated replies are followed by the rating, and
// of each named control message only the latest is kept.
func transformHistory(catalog *locale.Catalog, lang string, messages []types.Message) []llm.ChatMessage {
	lastControl := make(map[string]int)
	for i, m := range messages {
		if m.IsControl() && m.Name != "" {
			lastControl[m.Name] = i
		}
	}

	out := make([]llm.ChatMessage, 0, len(messages))
	for i, m := range messages {
		if m.Role == types.RoleSystem {
			continue
		}

		if m.IsControl() {
			if m.Name == types.ControlContext || m.Content == "" {
				continue
			}
			if m.Name != "" && lastControl[m.Name] != i {
				continue
			}
			out = append(out, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
			continue
		}

		if m.Hidden || m.ImageRequest {
			continue
		}

		if m.IsMedia() {
			if m.ImageURL == "" {
				continue
			}
			out = append(out, llm.ChatMessage{Role: string(m.Role), Content: catalog.T(lang, "image_sent", nil)})
			continue
		}

		if m.Content == "" {
			continue
		}
		out = append(out, llm.ChatMessage{Role: string(m.Role), Content: m.Content})

		switch m.Action {
		case types.ActionLike:
			out = append(out, feedbackMessage(catalog, lang, "feedback_like", m.Content))
		case types.ActionDislike:
			out = append(out, feedbackMessage(catalog, lang, "feedback_dislike", m.Content))
		}
	}
	return out
}

func feedbackMessage(catalog *locale.Catalog, lang, key, content string) llm.ChatMessage {
	if r := []rune(content); len(r) > feedbackExcerpt {
		content = string(r[:feedbackExcerpt]) + "..."
	}
	return llm.ChatMessage{
		Role:    string(types.RoleUser),
		Content: catalog.T(lang, key, map[string]string{"content": content}),
	}
}
