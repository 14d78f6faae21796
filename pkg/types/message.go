package types

import (
	"time"

	"github.com/google/uuid"
)

// Message is one entry of a conversation log.
//
// The log is a tagged union keyed by Kind:
//   - text:    Role + Content, optionally Hidden (context-only, never shown in UI)
//   - media:   Role + a generation identifier (ImageID or BatchID) + MediaType
//   - control: a named sentinel (Name) injecting a non-visible instruction
//
// The flat layout keeps the JSON shape stable across transports; Kind is
// always serialized so the variant survives a round trip.
type Message struct {
	ID      string      `json:"id,omitempty"`
	Kind    MessageKind `json:"kind"`
	Role    Role        `json:"role"`
	Content string      `json:"content,omitempty"`
	Hidden  bool        `json:"hidden,omitempty"`
	Name    string      `json:"name,omitempty"`

	// Media variant
	ImageID   string `json:"image_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`

	// Turn flags
	ImageRequest  bool   `json:"image_request,omitempty"`
	AutoTriggered bool   `json:"auto_triggered,omitempty"`
	PromptID      string `json:"prompt_id,omitempty"`
	SendImage     bool   `json:"send_image,omitempty"`
	PlaceholderID string `json:"placeholder_id,omitempty"`
	Action        string `json:"action,omitempty"`
	Relation      string `json:"relation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTextMessage creates a visible text message.
func NewTextMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindText,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewHiddenMessage creates a text message that is kept in the log for
// context but never rendered by clients.
func NewHiddenMessage(role Role, content string) Message {
	m := NewTextMessage(role, content)
	m.Hidden = true
	return m
}

// NewControlMessage creates a named sentinel message.
func NewControlMessage(name, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindControl,
		Role:      RoleUser,
		Name:      name,
		Content:   content,
		Hidden:    true,
		CreatedAt: time.Now().UTC(),
	}
}

// NewMediaMessage creates an image message bound to a generation batch.
func NewMediaMessage(role Role, imageID, batchID, imageURL, prompt string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindMedia,
		Role:      role,
		Content:   prompt,
		ImageID:   imageID,
		BatchID:   batchID,
		MediaType: "image",
		ImageURL:  imageURL,
		CreatedAt: time.Now().UTC(),
	}
}

// IsMedia reports whether the message carries a generation identifier or a
// media type tag. Media messages are distinct events and are never matched
// by content.
func (m Message) IsMedia() bool {
	return m.Kind == KindMedia || m.ImageID != "" || m.BatchID != "" || m.MediaType != ""
}

// IsControl reports whether the message is a named sentinel.
func (m Message) IsControl() bool {
	if m.Kind == KindControl {
		return true
	}
	return m.Name == ControlMaster || m.Name == ControlContext
}

// IsSubstantive reports whether the message counts toward the goal bootstrap
// window: a visible user or assistant message.
func (m Message) IsSubstantive() bool {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return false
	}
	return !m.Hidden && !m.IsControl()
}

// CountsAsUsage reports whether appending this message should increment the
// per-(user, persona) usage counter.
func (m Message) CountsAsUsage() bool {
	return (m.Role == RoleUser || m.Role == RoleAssistant) && !m.IsControl()
}

// CountSubstantive returns the number of substantive messages in a log.
func CountSubstantive(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.IsSubstantive() {
			n++
		}
	}
	return n
}

// LastOfRole returns a pointer to the last message with the given role, or nil.
func LastOfRole(messages []Message, role Role) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role && !messages[i].IsControl() {
			return &messages[i]
		}
	}
	return nil
}
