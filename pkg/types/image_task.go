package types

import "time"

// TaskStatus is the lifecycle status of an image task.
type TaskStatus string

const (
	// TaskQueued indicates the task row exists and the ledger has been debited
	TaskQueued TaskStatus = "queued"

	// TaskRendering indicates the image engine accepted the job
	TaskRendering TaskStatus = "rendering"

	// TaskDelivered indicates images were delivered into the conversation
	TaskDelivered TaskStatus = "delivered"

	// TaskFailed indicates dispatch or rendering failed; terminal
	TaskFailed TaskStatus = "failed"
)

// MaxImagesPerRequest bounds the count of a single image request.
const MaxImagesPerRequest = 5

// IsPending reports whether a task still occupies a pending slot.
func (s TaskStatus) IsPending() bool {
	return s == TaskQueued || s == TaskRendering
}

// IsValidTaskTransition validates status changes.
//
//	queued    -> rendering | failed | delivered
//	rendering -> delivered | failed
//	delivered, failed -> (terminal)
func IsValidTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskQueued:
		return to == TaskRendering || to == TaskFailed || to == TaskDelivered
	case TaskRendering:
		return to == TaskDelivered || to == TaskFailed
	default:
		return false
	}
}

// ImageTask binds a placeholder to the conversation it will deliver into.
// Restricted is resolved once when the task is created and never recomputed.
type ImageTask struct {
	PlaceholderID  string     `json:"placeholder_id"`
	TaskID         string     `json:"task_id,omitempty"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	Prompt         string     `json:"prompt"`
	Count          int        `json:"count"`
	Restricted     bool       `json:"restricted"`
	AutoTriggered  bool       `json:"auto_triggered"`
	CustomPromptID string     `json:"custom_prompt_id,omitempty"`
	Cost           int        `json:"cost"`
	Status         TaskStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ClampImageCount resolves the requested image count from a user's
// configured minimum: at least one, at most MaxImagesPerRequest.
func ClampImageCount(minImages int) int {
	n := minImages
	if n < 1 {
		n = 1
	}
	if n > MaxImagesPerRequest {
		n = MaxImagesPerRequest
	}
	return n
}
