package engine

import (
	"context"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/locale"
	"github.com/scrypster/companion/internal/metrics"
	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// GoalInput is the state a goal step reads. Conversation is updated and
// persisted in place.
type GoalInput struct {
	Conversation *types.Conversation
	User         *types.User
	Persona      *types.Persona
	UserPersona  *types.Persona
	Language     string
}

// GoalOutcome reports what happened to the conversation goal this turn.
type GoalOutcome struct {
	// Goal is the active goal after the step, nil when there is none.
	Goal *types.Goal

	// Generated is set when Goal was created this turn.
	Generated bool

	// Completed is the goal finished this turn, if any.
	Completed *types.CompletedGoal
	Reward    int

	// Hint is the classifier's reason when the goal is still open.
	Hint string
}

// GoalTracker drives the per-conversation goal mini-game.
type GoalTracker struct {
	conversations storage.ConversationStore
	ledger        storage.Ledger
	generator     GoalGenerator
	classifier    GoalClassifier
	notifier      Notifier
	catalog       *locale.Catalog
	cfg           Config
}

// NewGoalTracker creates a GoalTracker.
func NewGoalTracker(conversations storage.ConversationStore, ledger storage.Ledger, generator GoalGenerator, classifier GoalClassifier, notifier Notifier, catalog *locale.Catalog, cfg Config) *GoalTracker {
	return &GoalTracker{
		conversations: conversations,
		ledger:        ledger,
		generator:     generator,
		classifier:    classifier,
		notifier:      notifier,
		catalog:       catalog,
		cfg:           cfg,
	}
}

// Advance generates, checks and completes the conversation goal. Every
// failure is logged and leaves the goal as it was.
func (g *GoalTracker) Advance(ctx context.Context, in GoalInput) GoalOutcome {
	conv := in.Conversation
	if !conv.Settings.GoalsEnabled() {
		return GoalOutcome{}
	}

	logger := log.WithFields(log.Fields{
		"conversation_id": conv.ID,
		"user_id":         in.User.ID,
	})

	if types.CountSubstantive(conv.Messages) <= g.cfg.BootstrapMessages || conv.ActiveGoal == nil {
		return g.generate(ctx, in)
	}

	active := *conv.ActiveGoal
	verdict, err := g.classifier.CheckGoal(ctx, active, lastMessages(conv.Messages, g.cfg.GoalWindow), in.Language)
	if err != nil {
		logger.WithError(err).Warn("engine: goal classifier failed")
		return GoalOutcome{Goal: &active}
	}

	if !verdict.Completed || verdict.Confidence <= g.cfg.GoalConfidenceThreshold {
		return GoalOutcome{Goal: &active, Hint: verdict.Reason}
	}

	completed := types.CompletedGoal{
		Goal:        active,
		CompletedAt: time.Now().UTC(),
		Reason:      verdict.Reason,
	}
	prevGoal, prevCreated, prevCompleted := conv.ActiveGoal, conv.GoalCreatedAt, conv.CompletedGoals
	conv.CompletedGoals = append(append([]types.CompletedGoal(nil), conv.CompletedGoals...), completed)
	conv.ActiveGoal = nil
	conv.GoalCreatedAt = nil
	if err := g.conversations.UpdateConversation(ctx, conv, 0); err != nil {
		conv.ActiveGoal, conv.GoalCreatedAt, conv.CompletedGoals = prevGoal, prevCreated, prevCompleted
		logger.WithError(err).Error("engine: failed to persist completed goal")
		return GoalOutcome{Goal: &active}
	}

	if err := g.conversations.IncrementGoalCompletions(ctx, conv.UserID, conv.PersonaID); err != nil {
		logger.WithError(err).Warn("engine: failed to count goal completion")
	}

	reward := active.Difficulty.Reward()
	if err := g.ledger.Credit(ctx, in.User.ID, reward, storage.ReasonGoalCompletion); err != nil {
		logger.WithError(err).Error("engine: failed to credit goal reward")
	}

	g.notifier.Push(in.User.ID, EventShowNotification, map[string]any{
		"message": g.catalog.T(in.Language, "goal_completed", map[string]string{"points": strconv.Itoa(reward)}),
		"icon":    "success",
		"type":    "success",
	})
	metrics.GoalCompleted(string(active.Difficulty))
	logger.WithFields(log.Fields{
		"goal_type": active.Type,
		"reward":    reward,
	}).Info("engine: goal completed")

	next := g.generate(ctx, in)
	next.Completed = &completed
	next.Reward = reward
	return next
}

// generate replaces the active goal with a fresh one.
func (g *GoalTracker) generate(ctx context.Context, in GoalInput) GoalOutcome {
	conv := in.Conversation
	req := llm.GoalRequest{
		AllowedTypes: types.AllowedGoalTypes(in.User.Tier),
		Language:     in.Language,
	}
	if in.Persona != nil {
		req.Persona = in.Persona.Description
	}
	if in.UserPersona != nil {
		req.UserPersona = in.UserPersona.Description
	}

	goal, err := g.generator.GenerateGoal(ctx, req)
	if err != nil {
		log.WithError(err).WithField("conversation_id", conv.ID).Warn("engine: goal generation failed")
		return GoalOutcome{Goal: conv.ActiveGoal}
	}

	prevGoal, prevCreated := conv.ActiveGoal, conv.GoalCreatedAt
	now := time.Now().UTC()
	conv.ActiveGoal = goal
	conv.GoalCreatedAt = &now
	if err := g.conversations.UpdateConversation(ctx, conv, 0); err != nil {
		conv.ActiveGoal, conv.GoalCreatedAt = prevGoal, prevCreated
		log.WithError(err).WithField("conversation_id", conv.ID).Error("engine: failed to persist goal")
		return GoalOutcome{Goal: conv.ActiveGoal}
	}

	metrics.GoalGenerated()
	return GoalOutcome{Goal: goal, Generated: true}
}

func lastMessages(messages []types.Message, n int) []types.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
