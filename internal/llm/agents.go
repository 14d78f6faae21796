package llm

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/scrypster/companion/pkg/types"
)

const (
	classifierMaxTokens = 300
	poseMaxTokens       = 200
)

// GoalRequest is the input to goal generation.
type GoalRequest struct {
	Persona      string
	UserPersona  string
	AllowedTypes []types.GoalType
	Language     string
}

// PoseRequest is the input to pose prompt derivation.
type PoseRequest struct {
	CharacterDescription string
	Request              string
	Restricted           bool
}

// GoalAgent generates conversation goals and judges their completion.
type GoalAgent struct {
	client ChatCompleter
}

// NewGoalAgent creates a GoalAgent backed by client.
func NewGoalAgent(client ChatCompleter) *GoalAgent {
	return &GoalAgent{client: client}
}

// GenerateGoal asks the model for a new goal restricted to req.AllowedTypes.
func (a *GoalAgent) GenerateGoal(ctx context.Context, req GoalRequest) (*types.Goal, error) {
	if len(req.AllowedTypes) == 0 {
		return nil, fmt.Errorf("generate goal: no goal types allowed")
	}
	reply, err := a.client.Chat(ctx, jsonTask(GoalGenerationPrompt(req.Persona, req.UserPersona, req.AllowedTypes, req.Language)))
	if err != nil {
		return nil, fmt.Errorf("generate goal: %w", err)
	}
	goal, err := ParseGoal(reply, req.AllowedTypes)
	if err != nil {
		return nil, fmt.Errorf("generate goal: %w", err)
	}
	log.WithFields(log.Fields{
		"goal_type":  goal.Type,
		"difficulty": goal.Difficulty,
	}).Debug("generated goal")
	return goal, nil
}

// CheckGoal asks the model whether goal was reached in recent.
func (a *GoalAgent) CheckGoal(ctx context.Context, goal types.Goal, recent []types.Message, language string) (types.GoalCompletion, error) {
	reply, err := a.client.Chat(ctx, jsonTask(GoalCompletionPrompt(goal, recent, language)))
	if err != nil {
		return types.GoalCompletion{}, fmt.Errorf("check goal: %w", err)
	}
	verdict, err := ParseGoalCompletion(reply)
	if err != nil {
		return types.GoalCompletion{}, fmt.Errorf("check goal: %w", err)
	}
	return verdict, nil
}

// ImageAgent detects image promises in replies and writes pose prompts.
type ImageAgent struct {
	client ChatCompleter
}

// NewImageAgent creates an ImageAgent backed by client.
func NewImageAgent(client ChatCompleter) *ImageAgent {
	return &ImageAgent{client: client}
}

// DetectImageRequest reports whether reply promises a picture.
func (a *ImageAgent) DetectImageRequest(ctx context.Context, reply string) (ImageRequestSignal, error) {
	out, err := a.client.Chat(ctx, jsonTask(ImageRequestPrompt(reply)))
	if err != nil {
		return ImageRequestSignal{}, fmt.Errorf("detect image request: %w", err)
	}
	signal, err := ParseImageRequest(out)
	if err != nil {
		return ImageRequestSignal{}, fmt.Errorf("detect image request: %w", err)
	}
	return signal, nil
}

// PosePrompt derives a single-line image prompt for req.
func (a *ImageAgent) PosePrompt(ctx context.Context, req PoseRequest) (string, error) {
	out, err := a.client.Chat(ctx, CompletionRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: "You write prompts for an image generator."},
			{Role: "user", Content: PosePrompt(req.CharacterDescription, req.Request, req.Restricted)},
		},
		MaxTokens: poseMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("pose prompt: %w", err)
	}
	prompt := cleanPosePrompt(out)
	if prompt == "" {
		return "", fmt.Errorf("pose prompt: empty reply")
	}
	return prompt, nil
}

func jsonTask(prompt string) CompletionRequest {
	return CompletionRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: "You are a precise classifier. You answer with JSON only."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: classifierMaxTokens,
	}
}
