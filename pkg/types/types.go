// Package types defines the core data structures for the companion turn
// pipeline: the message union stored in a conversation log, conversations
// themselves, goals, image tasks, and the directory records (users, personas,
// gallery) the pipeline reads while processing a turn.
package types

// Role identifies the author of a message.
type Role string

// MessageKind is the discriminator of the Message tagged union.
type MessageKind string

// Role constants
const (
	// RoleUser marks messages written by the human side of the conversation
	RoleUser Role = "user"

	// RoleAssistant marks messages produced by the persona
	RoleAssistant Role = "assistant"

	// RoleSystem marks instructions that are never shown in the UI
	RoleSystem Role = "system"
)

// Message kind constants
const (
	// KindText is an ordinary text message
	KindText MessageKind = "text"

	// KindMedia is a generated or attached image; never deduplicated
	KindMedia MessageKind = "media"

	// KindControl is a named sentinel carrying a non-visible instruction
	KindControl MessageKind = "control"
)

// Control message names.
const (
	ControlMaster  = "master"
	ControlContext = "context"
)

// Feedback actions a user can attach to an assistant reply.
const (
	ActionLike    = "like"
	ActionDislike = "dislike"
)

// Tier is a user's subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// IsPaid reports whether the tier unlocks paid-only goal types.
func (t Tier) IsPaid() bool {
	return t == TierPremium
}
