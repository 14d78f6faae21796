package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/locale"
	"github.com/scrypster/companion/internal/metrics"
	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// DecisionStatus is the result of evaluating an image request.
type DecisionStatus string

const (
	// DecisionNone means the message did not ask for an image.
	DecisionNone DecisionStatus = "none"

	// DecisionRefusedPending means the user has too many renders in flight.
	DecisionRefusedPending DecisionStatus = "refused_pending"

	// DecisionCannotAfford means the balance does not cover the cost.
	DecisionCannotAfford DecisionStatus = "cannot_afford"

	// DecisionDispatch means the request is paid for and may be rendered.
	DecisionDispatch DecisionStatus = "dispatched"

	// DecisionError means a store or dispatch error stopped the request.
	DecisionError DecisionStatus = "error"
)

// ImageTurn is the input to the image trigger.
type ImageTurn struct {
	User         *types.User
	Conversation *types.Conversation
	Persona      *types.Persona

	// Message is the message carrying the image request flag.
	Message types.Message

	// RequestText is what the pose prompt is derived from.
	RequestText string

	// AutoTriggered marks requests raised by an assistant reply.
	AutoTriggered bool

	Language string
}

// ImageDecision is the policy verdict for an ImageTurn.
type ImageDecision struct {
	Status       DecisionStatus
	Count        int
	Cost         int
	Restricted   bool
	CustomPrompt *types.CustomPrompt
	Balance      int
}

// ImageOutcome is what the turn needs to know after Trigger.
type ImageOutcome struct {
	Status DecisionStatus
	Handle *TaskHandle

	// ContextMessage is a hidden control message telling the completion
	// engine what happened to the request. Nil when nothing happened.
	ContextMessage *types.Message

	// ClearFlag reports that the triggering message's image flag must be
	// cleared in the log.
	ClearFlag bool

	Cost int
}

// TaskHandle tracks the asynchronous part of an image dispatch.
type TaskHandle struct {
	PlaceholderID string

	done chan struct{}
	err  error
}

func newTaskHandle(placeholderID string) *TaskHandle {
	return &TaskHandle{PlaceholderID: placeholderID, done: make(chan struct{})}
}

func (h *TaskHandle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the render has been dispatched or has failed.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the dispatch finished and returns its error.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ImageTrigger decides, pays for and dispatches image requests.
type ImageTrigger struct {
	tasks     storage.TaskStore
	ledger    storage.Ledger
	directory storage.Directory
	renderer  Renderer
	poser     PosePrompter
	notifier  Notifier
	catalog   *locale.Catalog
	pricing   PricingFunc
	cfg       Config

	wg *sync.WaitGroup
}

// ImageTriggerDeps are the collaborators of an ImageTrigger.
type ImageTriggerDeps struct {
	Tasks     storage.TaskStore
	Ledger    storage.Ledger
	Directory storage.Directory
	Renderer  Renderer
	Poser     PosePrompter
	Notifier  Notifier
	Catalog   *locale.Catalog
	Pricing   PricingFunc
}

// NewImageTrigger creates an ImageTrigger. Render goroutines are tracked by
// wg when it is non-nil.
func NewImageTrigger(deps ImageTriggerDeps, cfg Config, wg *sync.WaitGroup) *ImageTrigger {
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return &ImageTrigger{
		tasks:     deps.Tasks,
		ledger:    deps.Ledger,
		directory: deps.Directory,
		renderer:  deps.Renderer,
		poser:     deps.Poser,
		notifier:  deps.Notifier,
		catalog:   deps.Catalog,
		pricing:   deps.Pricing,
		cfg:       cfg,
		wg:        wg,
	}
}

// Wait blocks until every render goroutine has returned.
func (t *ImageTrigger) Wait() {
	t.wg.Wait()
}

// Evaluate applies the request policy: pending limit, image count, content
// class and cost. A pending-limit refusal is pushed to the user here.
func (t *ImageTrigger) Evaluate(ctx context.Context, turn ImageTurn) ImageDecision {
	if !turn.Message.ImageRequest || turn.Message.IsControl() {
		return ImageDecision{Status: DecisionNone}
	}
	// Already dispatched.
	if turn.Message.PlaceholderID != "" {
		return ImageDecision{Status: DecisionNone}
	}

	logger := log.WithFields(log.Fields{
		"user_id":         turn.User.ID,
		"conversation_id": turn.Conversation.ID,
		"auto":            turn.AutoTriggered,
	})

	pending, err := t.tasks.CountPendingTasks(ctx, turn.User.ID)
	if err != nil {
		logger.WithError(err).Error("engine: failed to count pending image tasks")
		return ImageDecision{Status: DecisionError}
	}
	if pending > t.cfg.MaxPendingTasks && !turn.User.Admin {
		logger.WithField("pending", pending).Info("engine: refusing image request, too many pending")
		t.notifier.Push(turn.User.ID, EventShowNotification, map[string]any{
			"message": t.catalog.T(turn.Language, "too_many_pending_images", nil),
			"icon":    "warning",
		})
		return ImageDecision{Status: DecisionRefusedPending}
	}

	decision := ImageDecision{
		Status:     DecisionDispatch,
		Count:      types.ClampImageCount(turn.Conversation.Settings.MinImages),
		Restricted: turn.Conversation.Settings.Restricted,
	}

	if turn.Message.PromptID != "" {
		cp, err := t.directory.GetCustomPrompt(ctx, turn.Message.PromptID)
		switch {
		case err == nil:
			decision.CustomPrompt = cp
			decision.Restricted = cp.Restricted
		case errors.Is(err, storage.ErrNotFound):
			logger.WithField("prompt_id", turn.Message.PromptID).Warn("engine: custom prompt not found, pricing as a normal request")
		default:
			logger.WithError(err).Error("engine: failed to load custom prompt")
			return ImageDecision{Status: DecisionError}
		}
	}

	if decision.CustomPrompt == nil {
		decision.Cost = t.pricing(decision.Count)
	}

	if decision.Cost > 0 {
		balance, err := t.ledger.Balance(ctx, turn.User.ID)
		if err != nil {
			logger.WithError(err).Error("engine: failed to read balance")
			return ImageDecision{Status: DecisionError}
		}
		decision.Balance = balance
		if balance < decision.Cost {
			decision.Status = DecisionCannotAfford
		}
	}
	return decision
}

// Dispatch debits the user, enqueues the task and starts the render on a
// detached goroutine. Loaders are pushed before it returns.
func (t *ImageTrigger) Dispatch(ctx context.Context, turn ImageTurn, decision ImageDecision) (*TaskHandle, error) {
	task := &types.ImageTask{
		PlaceholderID:  uuid.NewString(),
		UserID:         turn.User.ID,
		ConversationID: turn.Conversation.ID,
		Count:          decision.Count,
		Restricted:     decision.Restricted,
		AutoTriggered:  turn.AutoTriggered,
		Cost:           decision.Cost,
		Status:         types.TaskQueued,
	}
	if decision.CustomPrompt != nil {
		task.CustomPromptID = decision.CustomPrompt.ID
		task.Prompt = decision.CustomPrompt.Prompt
	}

	if err := t.tasks.DebitAndCreateTask(ctx, task, storage.ReasonImageGeneration); err != nil {
		return nil, fmt.Errorf("failed to enqueue image task: %w", err)
	}

	t.notifier.Push(turn.User.ID, EventAddIcon, map[string]any{})
	for i := 0; i < task.Count; i++ {
		t.notifier.Push(turn.User.ID, EventHandleLoader, map[string]any{
			"imageId": task.PlaceholderID,
			"action":  "show",
		})
	}

	handle := newTaskHandle(task.PlaceholderID)
	renderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.RenderTimeout)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		handle.finish(t.render(renderCtx, turn, task, decision.CustomPrompt != nil))
	}()

	return handle, nil
}

func (t *ImageTrigger) render(ctx context.Context, turn ImageTurn, task *types.ImageTask, custom bool) error {
	logger := log.WithFields(log.Fields{
		"placeholder_id":  task.PlaceholderID,
		"conversation_id": task.ConversationID,
	})

	if !custom {
		task.Prompt = t.posePrompt(ctx, turn, task.Restricted)
		if err := t.tasks.SetTaskPrompt(ctx, task.PlaceholderID, task.Prompt); err != nil {
			logger.WithError(err).Warn("engine: failed to record render prompt")
		}
	}

	res, err := t.renderer.Render(ctx, imaging.RenderRequest{
		PlaceholderID:  task.PlaceholderID,
		UserID:         task.UserID,
		ConversationID: task.ConversationID,
		Prompt:         task.Prompt,
		Count:          task.Count,
		Restricted:     task.Restricted,
	})
	if err != nil {
		logger.WithError(err).Error("engine: image dispatch failed")
		if uerr := t.tasks.UpdateTaskStatus(ctx, task.PlaceholderID, types.TaskFailed, "", err.Error()); uerr != nil {
			logger.WithError(uerr).Error("engine: failed to mark image task failed")
		}
		t.clearLoaders(task.UserID, task.PlaceholderID, task.Count)
		return err
	}

	if err := t.tasks.UpdateTaskStatus(ctx, task.PlaceholderID, types.TaskRendering, res.TaskID, ""); err != nil {
		// The render event may already have delivered the task.
		logger.WithError(err).Debug("engine: task not moved to rendering")
	}
	logger.WithField("task_id", res.TaskID).Info("engine: image task dispatched")
	return nil
}

// posePrompt derives the render prompt, falling back to the raw character
// description and request when derivation fails.
func (t *ImageTrigger) posePrompt(ctx context.Context, turn ImageTurn, restricted bool) string {
	description := ""
	if turn.Persona != nil {
		description = turn.Persona.ImageDescription
		if description == "" {
			description = turn.Persona.Description
		}
	}

	prompt, err := t.poser.PosePrompt(ctx, llm.PoseRequest{
		CharacterDescription: description,
		Request:              turn.RequestText,
		Restricted:           restricted,
	})
	if err == nil && prompt != "" {
		return prompt
	}
	if err != nil {
		log.WithError(err).Warn("engine: pose prompt derivation failed, using request text")
	}

	parts := make([]string, 0, 2)
	for _, p := range []string{description, turn.RequestText} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func (t *ImageTrigger) clearLoaders(userID, placeholderID string, count int) {
	for i := 0; i < count; i++ {
		t.notifier.Push(userID, EventHandleLoader, map[string]any{
			"imageId": placeholderID,
			"action":  "remove",
		})
	}
	t.notifier.Push(userID, EventRegenSpin, map[string]any{"spin": false})
}

// Trigger evaluates the request and dispatches it when allowed.
func (t *ImageTrigger) Trigger(ctx context.Context, turn ImageTurn) ImageOutcome {
	decision := t.Evaluate(ctx, turn)
	outcome := t.apply(ctx, turn, decision)
	if outcome.Status != DecisionNone {
		metrics.ImageDecision(string(outcome.Status), turn.AutoTriggered)
	}
	return outcome
}

func (t *ImageTrigger) apply(ctx context.Context, turn ImageTurn, decision ImageDecision) ImageOutcome {
	switch decision.Status {
	case DecisionNone, DecisionError:
		return ImageOutcome{Status: decision.Status}
	case DecisionRefusedPending:
		return ImageOutcome{Status: decision.Status, ClearFlag: true}
	case DecisionCannotAfford:
		return t.cannotAfford(turn, decision)
	}

	handle, err := t.Dispatch(ctx, turn, decision)
	if errors.Is(err, storage.ErrInsufficientFunds) {
		return t.cannotAfford(turn, decision)
	}
	if err != nil {
		log.WithError(err).WithField("user_id", turn.User.ID).Error("engine: image dispatch aborted")
		return ImageOutcome{Status: DecisionError, ClearFlag: true}
	}

	ctxMsg := types.NewControlMessage(types.ControlContext,
		t.catalog.T(turn.Language, "context_image_activated", map[string]string{"request": turn.RequestText}))
	return ImageOutcome{
		Status:         DecisionDispatch,
		Handle:         handle,
		ContextMessage: &ctxMsg,
		Cost:           decision.Cost,
	}
}

// cannotAfford builds the outcome for an unaffordable request. A user request
// gets a context message and the purchase flow; an assistant-triggered one
// only gets an insufficient funds notice.
func (t *ImageTrigger) cannotAfford(turn ImageTurn, decision ImageDecision) ImageOutcome {
	if turn.AutoTriggered {
		t.notifier.Push(turn.User.ID, EventInsufficientFunds, map[string]any{
			"message": t.catalog.T(turn.Language, "insufficient_points_notice", nil),
			"cost":    decision.Cost,
		})
		return ImageOutcome{Status: DecisionCannotAfford, Cost: decision.Cost}
	}

	t.notifier.Push(turn.User.ID, EventOpenPurchaseFlow, map[string]any{
		"reason":   "insufficient_points",
		"required": decision.Cost,
		"balance":  decision.Balance,
	})
	ctxMsg := types.NewControlMessage(types.ControlContext,
		t.catalog.T(turn.Language, "context_cannot_afford", nil))
	return ImageOutcome{
		Status:         DecisionCannotAfford,
		ContextMessage: &ctxMsg,
		ClearFlag:      true,
		Cost:           decision.Cost,
	}
}
