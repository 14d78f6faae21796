package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/locale"
	"github.com/scrypster/companion/internal/metrics"
	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// maxAutoImageDepth is how many times an assistant reply may re-enter the
// image trigger within one turn.
const maxAutoImageDepth = 1

// TurnRequest asks the orchestrator to produce the persona's next reply.
type TurnRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`

	// Message is merged into the log before the turn runs. It may be nil
	// when the user message was appended separately.
	Message *types.Message `json:"message,omitempty"`

	// UniqueID correlates the pushed completion with the client's request.
	UniqueID string `json:"unique_id,omitempty"`
}

// Validate checks the request shape.
func (r TurnRequest) Validate() error {
	if r.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidTurn)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidTurn)
	}
	if m := r.Message; m != nil {
		if m.Role != types.RoleUser {
			return fmt.Errorf("%w: inbound message must have role user", ErrInvalidTurn)
		}
		if m.IsControl() || m.IsMedia() {
			return fmt.Errorf("%w: inbound message must be text", ErrInvalidTurn)
		}
	}
	return nil
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	Reply     *types.Message
	Image     ImageOutcome
	AutoImage *ImageOutcome
	Goal      GoalOutcome
	Gallery   *types.Message
}

// tasks returns the handles of renders started by the turn.
func (r *TurnResult) tasks() []*TaskHandle {
	var out []*TaskHandle
	if r.Image.Handle != nil {
		out = append(out, r.Image.Handle)
	}
	if r.AutoImage != nil && r.AutoImage.Handle != nil {
		out = append(out, r.AutoImage.Handle)
	}
	return out
}

// TurnHandle tracks a turn running in the background.
type TurnHandle struct {
	ID string

	done   chan struct{}
	result *TurnResult
	err    error
}

func newTurnHandle() *TurnHandle {
	return &TurnHandle{ID: uuid.NewString(), done: make(chan struct{})}
}

// Done is closed when the turn body has returned. Renders may still run.
func (h *TurnHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the turn and every render it dispatched have finished.
// Render dispatch errors are not returned; they are reported to the user.
func (h *TurnHandle) Wait(ctx context.Context) (*TurnResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if h.result != nil {
		for _, t := range h.result.tasks() {
			select {
			case <-t.Done():
			case <-ctx.Done():
				return h.result, ctx.Err()
			}
		}
	}
	return h.result, h.err
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Store storage.Store

	Completer      Completer
	Renderer       Renderer
	Notifier       Notifier
	GoalGenerator  GoalGenerator
	GoalClassifier GoalClassifier
	ImageDetector  ImageRequestClassifier
	Poser          PosePrompter

	Catalog *locale.Catalog
	Pricing PricingFunc
	Models  ModelSelector
}

func (d Dependencies) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("engine: store is required")
	case d.Completer == nil:
		return errors.New("engine: completer is required")
	case d.Renderer == nil:
		return errors.New("engine: renderer is required")
	case d.Notifier == nil:
		return errors.New("engine: notifier is required")
	case d.GoalGenerator == nil || d.GoalClassifier == nil:
		return errors.New("engine: goal generator and classifier are required")
	case d.ImageDetector == nil || d.Poser == nil:
		return errors.New("engine: image request classifier and pose prompter are required")
	case d.Catalog == nil:
		return errors.New("engine: locale catalog is required")
	case d.Pricing == nil:
		return errors.New("engine: pricing is required")
	}
	return nil
}

// Orchestrator runs turns and applies render completions.
type Orchestrator struct {
	cfg       Config
	store     storage.Store
	completer Completer
	notifier  Notifier
	detector  ImageRequestClassifier
	catalog   *locale.Catalog
	pricing   PricingFunc
	models    ModelSelector

	locks  *conversationLocks
	engine *Engine
	images *ImageTrigger
	goals  *GoalTracker

	wg           sync.WaitGroup
	mu           sync.Mutex
	shuttingDown bool
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		completer: deps.Completer,
		notifier:  deps.Notifier,
		detector:  deps.ImageDetector,
		catalog:   deps.Catalog,
		pricing:   deps.Pricing,
		models:    deps.Models,
		locks:     newConversationLocks(),
	}
	o.engine = newEngine(deps.Store, o.locks)
	o.images = NewImageTrigger(ImageTriggerDeps{
		Tasks:     deps.Store,
		Ledger:    deps.Store,
		Directory: deps.Store,
		Renderer:  deps.Renderer,
		Poser:     deps.Poser,
		Notifier:  deps.Notifier,
		Catalog:   deps.Catalog,
		Pricing:   deps.Pricing,
	}, cfg, &o.wg)
	o.goals = NewGoalTracker(deps.Store, deps.Store, deps.GoalGenerator, deps.GoalClassifier, deps.Notifier, deps.Catalog, cfg)
	return o, nil
}

// Engine returns the merge engine sharing this orchestrator's locks.
func (o *Orchestrator) Engine() *Engine {
	return o.engine
}

// HandleTurn validates req, checks the conversation belongs to the user and
// starts the turn on a detached goroutine.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	conv, err := o.engine.load(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != req.UserID {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shuttingDown {
		return nil, ErrShuttingDown
	}

	handle := newTurnHandle()
	turnCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res, err := o.RunTurn(turnCtx, req)
		handle.result, handle.err = res, err
		close(handle.done)
	}()
	return handle, nil
}

// RunTurn runs a turn synchronously.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (res *TurnResult, err error) {
	done := metrics.TurnStarted()
	defer func() { done(outcomeOf(err)) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(req.ConversationID)
	defer unlock()

	conv, err := o.engine.load(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != req.UserID {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}

	user, persona, userPersona, err := o.loadParticipants(ctx, conv)
	if err != nil {
		return nil, err
	}
	lang := o.language(conv, user)
	logger := log.WithFields(log.Fields{
		"conversation_id": conv.ID,
		"user_id":         user.ID,
		"persona_id":      conv.PersonaID,
	})

	var userMsg *types.Message
	if req.Message != nil {
		msg := *req.Message
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		if msg.Kind == "" {
			msg.Kind = types.KindText
		}
		if _, _, err := o.engine.appendLocked(ctx, conv, []types.Message{msg}); err != nil {
			return nil, err
		}
		userMsg = &msg
	}

	result := &TurnResult{}
	var pending []types.Message

	// Only the message carried by this request can raise an image request.
	if userMsg != nil {
		result.Image = o.images.Trigger(ctx, ImageTurn{
			User:         user,
			Conversation: conv,
			Persona:      persona,
			Message:      *userMsg,
			RequestText:  userMsg.Content,
			Language:     lang,
		})
		if settled, ok := settleImageRequest(*userMsg, result.Image); ok {
			if _, _, err := o.engine.appendLocked(ctx, conv, []types.Message{settled}); err != nil {
				logger.WithError(err).Error("engine: failed to persist image request state")
			}
		}
	}

	result.Goal = o.goals.Advance(ctx, GoalInput{
		Conversation: conv,
		User:         user,
		Persona:      persona,
		UserPersona:  userPersona,
		Language:     lang,
	})

	balance, err := o.store.Balance(ctx, user.ID)
	if err != nil {
		logger.WithError(err).Warn("engine: failed to read balance for prompt")
	}
	oneImage := o.pricing(types.ClampImageCount(conv.Settings.MinImages))

	input := buildMessages(o.catalog, promptInput{
		Conversation: conv,
		Messages:     conv.Messages,
		Persona:      persona,
		UserPersona:  userPersona,
		Goal:         result.Goal,
		Context:      result.Image.ContextMessage,
		Balance:      balance,
		ImageCost:    oneImage,
		Language:     lang,
	})
	completionReq := llm.CompletionRequest{
		Messages:  input,
		MaxTokens: o.cfg.MaxTokens,
		Language:  lang,
	}
	if o.models != nil {
		completionReq.Model = o.models(conv.Settings.Model, lang)
	}

	text, err := o.completer.Complete(ctx, completionReq)
	if err != nil {
		logger.WithError(err).Error("engine: completion failed")
		o.push(user.ID, EventHideCompletion, map[string]any{"uniqueId": req.UniqueID})
		if errors.Is(err, llm.ErrCompletionFailed) {
			return result, err
		}
		return result, fmt.Errorf("%w: %v", llm.ErrCompletionFailed, err)
	}

	reply := types.NewTextMessage(types.RoleAssistant, text)
	reply.Relation = conv.Relation()
	if h := result.Image.Handle; h != nil {
		reply.ImageRequest = true
		reply.PlaceholderID = h.PlaceholderID
	}
	if result.Image.ContextMessage != nil {
		pending = append(pending, *result.Image.ContextMessage)
	}
	pending = append(pending, reply)

	if _, _, err := o.engine.appendLocked(ctx, conv, pending); err != nil {
		o.push(user.ID, EventHideCompletion, map[string]any{"uniqueId": req.UniqueID})
		return result, fmt.Errorf("failed to store reply: %w", err)
	}
	result.Reply = &reply

	if err := o.store.SetLastMessage(ctx, user.ID, conv.PersonaID, types.LastMessage{
		Role:      types.RoleAssistant,
		Content:   storage.SnapshotContent(text),
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		logger.WithError(err).Warn("engine: failed to update last message snapshot")
	}

	o.push(user.ID, EventDisplayCompletion, map[string]any{
		"message":  text,
		"uniqueId": req.UniqueID,
	})

	// One image per turn: a reply to a dispatched user request is not
	// classified again.
	if result.Image.Handle == nil {
		userText := ""
		if m := conv.LastUserMessage(); m != nil {
			userText = m.Content
		}
		result.AutoImage = o.autoImage(ctx, autoImageInput{
			User:         user,
			Conversation: conv,
			Persona:      persona,
			Reply:        result.Reply,
			UserText:     userText,
			InputLen:     len(input),
			Cost:         oneImage,
			Language:     lang,
		}, 0)
	}

	if userMsg != nil && userMsg.SendImage {
		result.Gallery = o.attachGalleryImage(ctx, conv, user.ID)
	}

	logger.WithField("reply_len", len(text)).Debug("engine: turn completed")
	return result, nil
}

// settleImageRequest returns the stored form of msg after the trigger ran on
// it. A refused or unaffordable request loses its flag. A dispatched one keeps
// it and records the placeholder, so it is never evaluated again.
func settleImageRequest(msg types.Message, outcome ImageOutcome) (types.Message, bool) {
	if !msg.ImageRequest || msg.IsMedia() || msg.IsControl() {
		return msg, false
	}
	switch {
	case outcome.ClearFlag:
		msg.ImageRequest = false
		return msg, true
	case outcome.Handle != nil:
		msg.PlaceholderID = outcome.Handle.PlaceholderID
		return msg, true
	}
	return msg, false
}

// loadParticipants loads the user, the persona and the optional user persona
// concurrently. Missing records degrade to stubs.
func (o *Orchestrator) loadParticipants(ctx context.Context, conv *types.Conversation) (*types.User, *types.Persona, *types.Persona, error) {
	var (
		user        *types.User
		persona     *types.Persona
		userPersona *types.Persona
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := o.store.GetUser(gctx, conv.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			log.WithField("user_id", conv.UserID).Warn("engine: user record missing")
			user = &types.User{ID: conv.UserID, Tier: types.TierFree}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		p, err := o.store.GetPersona(gctx, conv.PersonaID)
		if errors.Is(err, storage.ErrNotFound) {
			log.WithField("persona_id", conv.PersonaID).Warn("engine: persona record missing")
			persona = &types.Persona{ID: conv.PersonaID}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load persona: %w", err)
		}
		persona = p
		return nil
	})
	if conv.UserPersonaID != "" {
		g.Go(func() error {
			p, err := o.store.GetPersona(gctx, conv.UserPersonaID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load user persona: %w", err)
			}
			userPersona = p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return user, persona, userPersona, nil
}

func (o *Orchestrator) language(conv *types.Conversation, user *types.User) string {
	switch {
	case conv.Settings.Language != "":
		return o.catalog.Code(conv.Settings.Language)
	case user.Language != "":
		return o.catalog.Code(user.Language)
	}
	return o.catalog.Code("")
}

type autoImageInput struct {
	User         *types.User
	Conversation *types.Conversation
	Persona      *types.Persona
	Reply        *types.Message
	UserText     string
	InputLen     int
	Cost         int
	Language     string
}

// autoImage lets an assistant reply raise an image request. The caller holds
// the conversation lock.
func (o *Orchestrator) autoImage(ctx context.Context, in autoImageInput, depth int) *ImageOutcome {
	if depth >= maxAutoImageDepth {
		return nil
	}
	if !in.Conversation.Settings.AutoImageGeneration || in.InputLen <= o.cfg.AutoImageMinHistory {
		return nil
	}

	logger := log.WithFields(log.Fields{
		"conversation_id": in.Conversation.ID,
		"user_id":         in.User.ID,
	})

	balance, err := o.store.Balance(ctx, in.User.ID)
	if err != nil {
		logger.WithError(err).Warn("engine: failed to read balance for auto image")
		return nil
	}
	if balance < in.Cost {
		return nil
	}

	signal, err := o.detector.DetectImageRequest(ctx, in.Reply.Content)
	if err != nil {
		logger.WithError(err).Warn("engine: image request classifier failed")
		return nil
	}
	if !signal.Requested {
		return nil
	}

	trigger := *in.Reply
	trigger.ImageRequest = true
	outcome := o.images.Trigger(ctx, ImageTurn{
		User:          in.User,
		Conversation:  in.Conversation,
		Persona:       in.Persona,
		Message:       trigger,
		RequestText:   strings.TrimSpace(in.UserText + " " + in.Reply.Content),
		AutoTriggered: true,
		Language:      in.Language,
	})

	if outcome.Handle != nil {
		in.Reply.ImageRequest = true
		in.Reply.AutoTriggered = true
		in.Reply.PlaceholderID = outcome.Handle.PlaceholderID
		if _, _, err := o.engine.appendLocked(ctx, in.Conversation, []types.Message{*in.Reply}); err != nil {
			logger.WithError(err).Error("engine: failed to mark reply as image trigger")
		}
	}
	return &outcome
}

// attachGalleryImage appends a random stored image of the persona.
func (o *Orchestrator) attachGalleryImage(ctx context.Context, conv *types.Conversation, userID string) *types.Message {
	logger := log.WithField("conversation_id", conv.ID)

	images, err := o.store.ListGalleryImages(ctx, conv.PersonaID, conv.Settings.Restricted)
	if err != nil {
		logger.WithError(err).Warn("engine: failed to list gallery images")
		return nil
	}
	if len(images) == 0 {
		logger.Debug("engine: no gallery image to attach")
		return nil
	}

	img := images[rand.IntN(len(images))]
	msg := types.NewMediaMessage(types.RoleAssistant, img.ID, "", img.URL, img.Prompt)
	if _, _, err := o.engine.appendLocked(ctx, conv, []types.Message{msg}); err != nil {
		logger.WithError(err).Error("engine: failed to append gallery image")
		return nil
	}

	o.push(userID, EventImageGenerated, map[string]any{
		"imageUrl":       img.URL,
		"imageId":        img.ID,
		"conversationId": conv.ID,
		"placeholderId":  "",
		"prompt":         img.Prompt,
		"restricted":     img.Restricted,
	})
	return &msg
}

// CompleteRender applies a render event: delivered images are appended to
// the conversation and pushed to the user, failures only clear loaders.
// Events for tasks that are no longer pending are ignored.
func (o *Orchestrator) CompleteRender(ctx context.Context, ev imaging.RenderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{
		"placeholder_id": ev.PlaceholderID,
		"task_id":        ev.TaskID,
		"status":         ev.Status,
	})

	task, err := o.store.GetTask(ctx, ev.PlaceholderID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("engine: render event for unknown task")
		return fmt.Errorf("%w: %s", ErrUnknownTask, ev.PlaceholderID)
	}
	if err != nil {
		return fmt.Errorf("failed to load image task: %w", err)
	}

	unlock := o.locks.Lock(task.ConversationID)
	defer unlock()

	// Reload under the lock; a duplicate event may have finished the task.
	if task, err = o.store.GetTask(ctx, ev.PlaceholderID); err != nil {
		return fmt.Errorf("failed to load image task: %w", err)
	}
	if !task.Status.IsPending() {
		logger.WithField("task_status", task.Status).Debug("engine: ignoring render event for finished task")
		return nil
	}

	if ev.Status == imaging.StatusFailed {
		if err := o.store.UpdateTaskStatus(ctx, task.PlaceholderID, types.TaskFailed, ev.TaskID, ev.Error); err != nil {
			return fmt.Errorf("failed to mark image task failed: %w", err)
		}
		o.images.clearLoaders(task.UserID, task.PlaceholderID, task.Count)
		logger.WithField("error", ev.Error).Warn("engine: render failed")
		return nil
	}

	conv, err := o.engine.load(ctx, task.ConversationID)
	if err != nil {
		return err
	}

	msgs := make([]types.Message, 0, len(ev.Images))
	for _, img := range ev.Images {
		imageID := img.ID
		if imageID == "" {
			imageID = uuid.NewString()
		}
		m := types.NewMediaMessage(types.RoleAssistant, imageID, task.PlaceholderID, img.URL, task.Prompt)
		m.PlaceholderID = task.PlaceholderID
		m.AutoTriggered = task.AutoTriggered
		msgs = append(msgs, m)
	}
	if _, _, err := o.engine.appendLocked(ctx, conv, msgs); err != nil {
		return err
	}

	if err := o.store.UpdateTaskStatus(ctx, task.PlaceholderID, types.TaskDelivered, ev.TaskID, ""); err != nil {
		logger.WithError(err).Error("engine: failed to mark image task delivered")
	}

	for _, m := range msgs {
		o.push(task.UserID, EventImageGenerated, map[string]any{
			"imageUrl":       m.ImageURL,
			"imageId":        m.ImageID,
			"conversationId": task.ConversationID,
			"placeholderId":  task.PlaceholderID,
			"prompt":         task.Prompt,
			"restricted":     task.Restricted,
		})
	}
	for i := 0; i < task.Count; i++ {
		o.push(task.UserID, EventHandleLoader, map[string]any{
			"imageId": task.PlaceholderID,
			"action":  "remove",
		})
	}

	metrics.ImagesDelivered(len(msgs))
	logger.WithField("images", len(msgs)).Info("engine: render delivered")
	return nil
}

func (o *Orchestrator) push(userID, event string, payload map[string]any) {
	o.notifier.Push(userID, event, payload)
}

// Wait blocks until every in-flight turn and render goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting turns and waits for in-flight work, bounded by
// ShutdownTimeout and ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return errors.New("engine already shutting down")
	}
	o.shuttingDown = true
	o.mu.Unlock()

	log.Info("engine: waiting for in-flight turns")

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("engine: all turns finished")
		return nil
	case <-time.After(o.cfg.ShutdownTimeout):
		log.Warn("engine: shutdown timeout reached, abandoning in-flight turns")
		return nil
	case <-ctx.Done():
		log.Warn("engine: shutdown context cancelled, abandoning in-flight turns")
		return ctx.Err()
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrConversationNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, llm.ErrCompletionFailed):
		return metrics.OutcomeCompletionFailed
	case errors.Is(err, storage.ErrConflict):
		return metrics.OutcomeConflict
	}
	return metrics.OutcomeError
}
