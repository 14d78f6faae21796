// Package engine runs a conversation turn: it merges messages into the log,
// decides and dispatches image generation, advances the conversation goal,
// and asks the completion engine for the persona's reply.
//
// A turn runs under a per-conversation lock on a detached goroutine; callers
// get a handle they can wait on. Image renders outlive the turn and complete
// later through CompleteRender.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/pkg/types"
)

var (
	// ErrConversationNotFound is returned when a turn or append names a
	// conversation that does not exist or belongs to another user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidTurn is returned by HandleTurn for malformed requests.
	ErrInvalidTurn = errors.New("invalid turn request")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("engine is shutting down")

	// ErrUnknownTask is returned by CompleteRender for placeholders that
	// were never dispatched.
	ErrUnknownTask = errors.New("unknown image task")
)

// Events pushed to the client.
const (
	EventShowNotification  = "showNotification"
	EventHandleLoader      = "handleLoader"
	EventRegenSpin         = "handleRegenSpin"
	EventAddIcon           = "addIconToLastUserMessage"
	EventDisplayCompletion = "displayCompletionMessage"
	EventHideCompletion    = "hideCompletionMessage"
	EventImageGenerated    = "imageGenerated"
	EventOpenPurchaseFlow  = "openPurchaseFlow"
	EventInsufficientFunds = "insufficientFunds"
)

// Completer produces the persona's reply.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
}

// Renderer dispatches image renders.
type Renderer interface {
	Render(ctx context.Context, req imaging.RenderRequest) (imaging.RenderResult, error)
}

// Notifier pushes an event to every live connection of a user. Push never
// blocks on slow clients and never fails the caller.
type Notifier interface {
	Push(userID, event string, payload map[string]any)
}

// GoalGenerator creates a new goal for a conversation.
type GoalGenerator interface {
	GenerateGoal(ctx context.Context, req llm.GoalRequest) (*types.Goal, error)
}

// GoalClassifier judges whether the active goal has been met.
type GoalClassifier interface {
	CheckGoal(ctx context.Context, goal types.Goal, recent []types.Message, language string) (types.GoalCompletion, error)
}

// ImageRequestClassifier decides whether an assistant reply implies an image.
type ImageRequestClassifier interface {
	DetectImageRequest(ctx context.Context, reply string) (llm.ImageRequestSignal, error)
}

// PosePrompter turns a request into a render prompt.
type PosePrompter interface {
	PosePrompt(ctx context.Context, req llm.PoseRequest) (string, error)
}

// PricingFunc returns the points cost of rendering count images.
type PricingFunc func(count int) int

// LinearPricing charges perImage points for every image.
func LinearPricing(perImage int) PricingFunc {
	return func(count int) int { return count * perImage }
}

// ModelSelector picks the completion model from the conversation's model
// setting and the turn language. An empty result uses the client default.
type ModelSelector func(settingsModel, language string) string

// Config holds configuration for the turn engine.
type Config struct {
	// MaxTokens bounds the reply length (default: 600).
	MaxTokens int

	// MaxPendingTasks is the number of queued or rendering image tasks a
	// non-admin user may have before new requests are refused (default: 5).
	MaxPendingTasks int

	// BootstrapMessages is the substantive message count up to which a fresh
	// goal is generated every turn (default: 3).
	BootstrapMessages int

	// GoalWindow is the number of trailing messages shown to the goal
	// classifier (default: 10).
	GoalWindow int

	// GoalConfidenceThreshold is the confidence a completion verdict must
	// exceed (default: 70).
	GoalConfidenceThreshold int

	// AutoImageMinHistory is the completion input length a turn must exceed
	// before an assistant reply may trigger an image (default: 4).
	AutoImageMinHistory int

	// RenderTimeout bounds pose prompt derivation plus dispatch (default: 2m).
	RenderTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight turns (default: 30s).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:               600,
		MaxPendingTasks:         5,
		BootstrapMessages:       3,
		GoalWindow:              10,
		GoalConfidenceThreshold: 70,
		AutoImageMinHistory:     4,
		RenderTimeout:           2 * time.Minute,
		ShutdownTimeout:         30 * time.Second,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.MaxTokens < 1 {
		return fmt.Errorf("MaxTokens must be >= 1, got %d", c.MaxTokens)
	}

	if c.MaxPendingTasks < 0 {
		return fmt.Errorf("MaxPendingTasks must be >= 0, got %d", c.MaxPendingTasks)
	}

	if c.GoalWindow < 1 {
		return fmt.Errorf("GoalWindow must be >= 1, got %d", c.GoalWindow)
	}

	if c.GoalConfidenceThreshold < 0 || c.GoalConfidenceThreshold > 100 {
		return fmt.Errorf("GoalConfidenceThreshold must be within 0..100, got %d", c.GoalConfidenceThreshold)
	}

	if c.RenderTimeout <= 0 {
		return fmt.Errorf("RenderTimeout must be > 0, got %v", c.RenderTimeout)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	return nil
}
