package imaging

import (
	"errors"
	"fmt"
)

// Render event statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RenderedImage is one finished image of a task.
type RenderedImage struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RenderEvent reports the outcome of a dispatched task.
type RenderEvent struct {
	PlaceholderID string          `json:"placeholder_id"`
	TaskID        string          `json:"task_id"`
	Status        string          `json:"status"`
	Images        []RenderedImage `json:"images,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Validate checks that the event can be applied.
func (e RenderEvent) Validate() error {
	if e.PlaceholderID == "" {
		return errors.New("render event: placeholder_id is required")
	}
	switch e.Status {
	case StatusCompleted:
		if len(e.Images) == 0 {
			return errors.New("render event: completed event has no images")
		}
		for i, img := range e.Images {
			if img.URL == "" {
				return fmt.Errorf("render event: image %d has no url", i)
			}
		}
	case StatusFailed:
	default:
		return fmt.Errorf("render event: unknown status %q", e.Status)
	}
	return nil
}
