package types

import "time"

// User is the subset of the account record the turn pipeline reads.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	Tier     Tier   `json:"tier"`
	Admin    bool   `json:"admin,omitempty"`
	Points   int    `json:"points"`
}

// Persona is an AI character a user converses with. A user may also speak
// as a persona of their own, in which case both records are loaded.
type Persona struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	ImageDescription string `json:"image_description,omitempty"`
	Language         string `json:"language,omitempty"`
	Restricted       bool   `json:"restricted,omitempty"`
}

// CustomPrompt is a pre-authored, pre-paid image prompt.
type CustomPrompt struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Restricted bool   `json:"restricted"`
}

// GalleryImage is a stored image of a persona that can be attached to a
// conversation without rendering.
type GalleryImage struct {
	ID         string `json:"id"`
	PersonaID  string `json:"persona_id"`
	URL        string `json:"image_url"`
	Prompt     string `json:"prompt,omitempty"`
	Restricted bool   `json:"restricted,omitempty"`
}

// UsageStats are the per-(user, persona) counters read without scanning the log.
type UsageStats struct {
	UserID          string    `json:"user_id"`
	PersonaID       string    `json:"persona_id"`
	MessageCount    int       `json:"message_count"`
	GoalCompletions int       `json:"goal_completions"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LastMessage is the per-(user, persona) snapshot shown in conversation lists.
type LastMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}
