package types

import "time"

// DefaultRelation is stamped on assistant replies when neither the settings
// nor the previous reply name a relationship.
const DefaultRelation = "Casual"

// ConversationSettings are the per-conversation knobs a user can change.
type ConversationSettings struct {
	RelationshipType string `json:"relationship_type,omitempty"`
	MinImages        int    `json:"min_images,omitempty"`
	Model            string `json:"model,omitempty"`
	Language         string `json:"language,omitempty"`

	// GoalsDisabled turns the goal mini-game off. The zero value keeps goals on.
	GoalsDisabled bool `json:"goals_disabled,omitempty"`

	AutoImageGeneration bool `json:"auto_image_generation,omitempty"`

	// Restricted is the conversation's default content class for renders.
	Restricted bool `json:"restricted,omitempty"`
}

// GoalsEnabled reports whether goal tracking runs for this conversation.
func (s ConversationSettings) GoalsEnabled() bool {
	return !s.GoalsDisabled
}

// Conversation is the durable log of a (user, persona) pairing plus the
// per-turn metadata layered on top of it.
type Conversation struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	PersonaID     string `json:"persona_id"`
	UserPersonaID string `json:"user_persona_id,omitempty"`

	Messages []Message `json:"messages"`

	ActiveGoal     *Goal           `json:"active_goal,omitempty"`
	GoalCreatedAt  *time.Time      `json:"goal_created_at,omitempty"`
	CompletedGoals []CompletedGoal `json:"completed_goals,omitempty"`

	Settings ConversationSettings `json:"settings"`
	Scenario string               `json:"scenario,omitempty"`

	// Version is the optimistic concurrency token. Every successful write
	// increments it; a write carrying a stale version is rejected.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastUserMessage returns the most recent visible user message, or nil.
func (c *Conversation) LastUserMessage() *Message {
	return LastOfRole(c.Messages, RoleUser)
}

// Relation resolves the relationship label for the next assistant reply.
func (c *Conversation) Relation() string {
	if c.Settings.RelationshipType != "" {
		return c.Settings.RelationshipType
	}
	if last := LastOfRole(c.Messages, RoleAssistant); last != nil && last.Relation != "" {
		return last.Relation
	}
	return DefaultRelation
}

// Clone returns a deep enough copy for a caller to mutate the message slice
// and goal state without affecting the original.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	cp.CompletedGoals = append([]CompletedGoal(nil), c.CompletedGoals...)
	if c.ActiveGoal != nil {
		g := *c.ActiveGoal
		cp.ActiveGoal = &g
	}
	if c.GoalCreatedAt != nil {
		t := *c.GoalCreatedAt
		cp.GoalCreatedAt = &t
	}
	return &cp
}
