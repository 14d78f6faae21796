package types

import "time"

// GoalType classifies what the user has to do to complete a goal.
type GoalType string

// Difficulty maps a goal to its reward tier.
type Difficulty string

const (
	GoalRelationship GoalType = "relationship"
	GoalActivity     GoalType = "activity"
	GoalImageRequest GoalType = "image_request"
)

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Reward returns the points credited when a goal of this difficulty completes.
// Anything other than easy or medium pays the hard tier.
func (d Difficulty) Reward() int {
	switch d {
	case DifficultyEasy:
		return 100
	case DifficultyMedium:
		return 200
	default:
		return 300
	}
}

// AllowedGoalTypes returns the goal types a user of the given tier may be
// assigned. Activity goals require a paid tier.
func AllowedGoalTypes(tier Tier) []GoalType {
	if tier.IsPaid() {
		return []GoalType{GoalRelationship, GoalActivity, GoalImageRequest}
	}
	return []GoalType{GoalRelationship, GoalImageRequest}
}

// IsValidGoalType checks a type against the allowed list.
func IsValidGoalType(t GoalType, allowed []GoalType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// Goal is the single active objective of a conversation.
type Goal struct {
	Type                GoalType   `json:"goal_type"`
	Description         string     `json:"goal_description"`
	CompletionCondition string     `json:"completion_condition"`
	TargetPhrase        string     `json:"target_phrase,omitempty"`
	UserActionRequired  string     `json:"user_action_required,omitempty"`
	Difficulty          Difficulty `json:"difficulty"`
	EstimatedMessages   int        `json:"estimated_messages"`
}

// CompletedGoal is a goal moved to the completed list.
type CompletedGoal struct {
	Goal
	CompletedAt time.Time `json:"completed_at"`
	Reason      string    `json:"reason"`
}

// GoalCompletion is the classifier's verdict on the active goal.
type GoalCompletion struct {
	Completed  bool   `json:"completed"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
}
