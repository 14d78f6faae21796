package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/scrypster/companion/pkg/types"
)

// ErrMalformedResponse is returned when a classifier reply holds no usable JSON.
var ErrMalformedResponse = errors.New("malformed classifier response")

// extractJSON extracts the first valid JSON object from a string that may contain extra text.
// This handles cases where LLMs add explanations before/after the JSON despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text // No JSON found, return as-is and let parser fail
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		// Only count braces outside of strings
		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text
}

func parseObject(text string) (gjson.Result, error) {
	raw := extractJSON(text)
	if !gjson.Valid(raw) {
		return gjson.Result{}, fmt.Errorf("%w: %q", ErrMalformedResponse, truncate(text, 120))
	}
	obj := gjson.Parse(raw)
	if !obj.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: not an object", ErrMalformedResponse)
	}
	return obj, nil
}

// ParseGoal parses a goal generation reply. The goal type must be one of
// allowed; an unknown difficulty becomes medium and the estimate is clamped
// to 3..30.
func ParseGoal(text string, allowed []types.GoalType) (*types.Goal, error) {
	obj, err := parseObject(text)
	if err != nil {
		return nil, err
	}

	goal := &types.Goal{
		Type:                types.GoalType(strings.ToLower(strings.TrimSpace(obj.Get("goal_type").String()))),
		Description:         strings.TrimSpace(obj.Get("goal_description").String()),
		CompletionCondition: strings.TrimSpace(obj.Get("completion_condition").String()),
		TargetPhrase:        strings.TrimSpace(obj.Get("target_phrase").String()),
		UserActionRequired:  strings.TrimSpace(obj.Get("user_action_required").String()),
		Difficulty:          types.Difficulty(strings.ToLower(strings.TrimSpace(obj.Get("difficulty").String()))),
		EstimatedMessages:   int(obj.Get("estimated_messages").Int()),
	}

	if !types.IsValidGoalType(goal.Type, allowed) {
		return nil, fmt.Errorf("%w: goal type %q not allowed", ErrMalformedResponse, goal.Type)
	}
	if goal.Description == "" {
		return nil, fmt.Errorf("%w: empty goal description", ErrMalformedResponse)
	}
	switch goal.Difficulty {
	case types.DifficultyEasy, types.DifficultyMedium, types.DifficultyHard:
	default:
		goal.Difficulty = types.DifficultyMedium
	}
	if goal.EstimatedMessages < 3 {
		goal.EstimatedMessages = 3
	} else if goal.EstimatedMessages > 30 {
		goal.EstimatedMessages = 30
	}
	return goal, nil
}

// ParseGoalCompletion parses a goal completion verdict. Booleans and numbers
// given as strings are accepted and confidence is clamped to 0..100.
func ParseGoalCompletion(text string) (types.GoalCompletion, error) {
	obj, err := parseObject(text)
	if err != nil {
		return types.GoalCompletion{}, err
	}
	completed := obj.Get("completed")
	if !completed.Exists() {
		return types.GoalCompletion{}, fmt.Errorf("%w: missing completed", ErrMalformedResponse)
	}

	confidence := int(obj.Get("confidence").Int())
	if confidence < 0 {
		confidence = 0
	} else if confidence > 100 {
		confidence = 100
	}
	return types.GoalCompletion{
		Completed:  completed.Bool(),
		Confidence: confidence,
		Reason:     strings.TrimSpace(obj.Get("reason").String()),
	}, nil
}

// ImageRequestSignal is the parsed verdict of the image request detector.
type ImageRequestSignal struct {
	Requested bool
	Count     int
}

// ParseImageRequest parses an image request verdict. Count defaults to 1.
func ParseImageRequest(text string) (ImageRequestSignal, error) {
	obj, err := parseObject(text)
	if err != nil {
		return ImageRequestSignal{}, err
	}
	signal := ImageRequestSignal{
		Requested: obj.Get("image_request").Bool(),
		Count:     int(obj.Get("image_num").Int()),
	}
	if signal.Count < 1 {
		signal.Count = 1
	}
	return signal, nil
}

// cleanPosePrompt flattens a pose prompt to one line.
func cleanPosePrompt(text string) string {
	text = strings.ReplaceAll(text, "```", "")
	text = strings.Join(strings.Fields(text), " ")
	return strings.Trim(text, `"'`)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
