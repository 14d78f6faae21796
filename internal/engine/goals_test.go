package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/pkg/types"
)

// seedActiveGoal gives the conversation enough history to leave the
// bootstrap window and an active goal of the given difficulty.
func (f *fixture) seedActiveGoal(t *testing.T, difficulty types.Difficulty) *types.Conversation {
	t.Helper()
	f.seedMessages(t,
		types.NewTextMessage(types.RoleUser, "hey"),
		types.NewTextMessage(types.RoleAssistant, "hi!"),
		types.NewTextMessage(types.RoleUser, "how are you"),
		types.NewTextMessage(types.RoleAssistant, "great, just back from surfing"),
	)
	conv := f.reload(t)
	now := time.Now().UTC()
	conv.ActiveGoal = &types.Goal{
		Type:        types.GoalActivity,
		Description: "Plan a surf lesson together",
		Difficulty:  difficulty,
	}
	conv.GoalCreatedAt = &now
	require.NoError(t, f.store.UpdateConversation(context.Background(), conv, 0))
	return conv
}

func (f *fixture) goalInput(t *testing.T, conv *types.Conversation) GoalInput {
	t.Helper()
	user, err := f.store.GetUser(context.Background(), testUser)
	require.NoError(t, err)
	return GoalInput{Conversation: conv, User: user, Language: "en"}
}

func TestAdvance_GeneratesDuringBootstrap(t *testing.T) {
	f := newFixture(t, 0, types.ConversationSettings{})
	conv := f.reload(t)

	out := f.orch.goals.Advance(context.Background(), f.goalInput(t, conv))

	require.NotNil(t, out.Goal)
	assert.True(t, out.Generated)
	stored := f.reload(t)
	require.NotNil(t, stored.ActiveGoal)
	assert.Equal(t, "Learn the user's favourite beach", stored.ActiveGoal.Description)
	assert.NotNil(t, stored.GoalCreatedAt)
	assert.Equal(t, 0, f.goals.checked)
}

func TestAdvance_DisabledSkips(t *testing.T) {
	f := newFixture(t, 0, types.ConversationSettings{GoalsDisabled: true})

	out := f.orch.goals.Advance(context.Background(), f.goalInput(t, f.reload(t)))

	assert.Nil(t, out.Goal)
	assert.Equal(t, 0, f.goals.generated)
}

func TestAdvance_ClosesAboveThreshold(t *testing.T) {
	for _, tt := range []struct {
		difficulty types.Difficulty
		reward     int
	}{
		{types.DifficultyEasy, 100},
		{types.DifficultyMedium, 200},
		{types.DifficultyHard, 300},
	} {
		t.Run(string(tt.difficulty), func(t *testing.T) {
			f := newFixture(t, 0, types.ConversationSettings{})
			conv := f.seedActiveGoal(t, tt.difficulty)
			f.goals.verdict = types.GoalCompletion{Completed: true, Confidence: 71, Reason: "they booked a lesson"}

			out := f.orch.goals.Advance(context.Background(), f.goalInput(t, conv))

			require.NotNil(t, out.Completed)
			assert.Equal(t, tt.reward, out.Reward)
			assert.True(t, out.Generated, "a new goal is generated in the same turn")

			stored := f.reload(t)
			require.Len(t, stored.CompletedGoals, 1)
			assert.Equal(t, "Plan a surf lesson together", stored.CompletedGoals[0].Description)
			assert.Equal(t, "they booked a lesson", stored.CompletedGoals[0].Reason)
			require.NotNil(t, stored.ActiveGoal)
			assert.Equal(t, "Learn the user's favourite beach", stored.ActiveGoal.Description)

			assert.Equal(t, tt.reward, f.balance(t))
			stats, err := f.store.GetUsageStats(context.Background(), testUser, testPersona)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.GoalCompletions)

			notices := f.notifier.events(EventShowNotification)
			require.Len(t, notices, 1)
			assert.Equal(t, "success", notices[0].Payload["type"])
		})
	}
}

func TestAdvance_BoundaryConfidenceKeepsGoal(t *testing.T) {
	f := newFixture(t, 0, types.ConversationSettings{})
	conv := f.seedActiveGoal(t, types.DifficultyEasy)
	f.goals.verdict = types.GoalCompletion{Completed: true, Confidence: 70, Reason: "almost there"}

	out := f.orch.goals.Advance(context.Background(), f.goalInput(t, conv))

	assert.Nil(t, out.Completed)
	assert.Equal(t, "almost there", out.Hint)
	stored := f.reload(t)
	assert.Empty(t, stored.CompletedGoals)
	require.NotNil(t, stored.ActiveGoal)
	assert.Equal(t, "Plan a surf lesson together", stored.ActiveGoal.Description)
	assert.Equal(t, 0, f.balance(t))
	assert.Equal(t, 0, f.goals.generated)
}

func TestAdvance_ClassifierFailureIsNoSignal(t *testing.T) {
	f := newFixture(t, 0, types.ConversationSettings{})
	conv := f.seedActiveGoal(t, types.DifficultyEasy)
	f.goals.checkErr = errors.New("bad json")

	out := f.orch.goals.Advance(context.Background(), f.goalInput(t, conv))

	require.NotNil(t, out.Goal)
	assert.Equal(t, "Plan a surf lesson together", out.Goal.Description)
	assert.Nil(t, out.Completed)
	assert.Empty(t, out.Hint)
}

func TestAdvance_GeneratorFailureKeepsState(t *testing.T) {
	f := newFixture(t, 0, types.ConversationSettings{})
	f.goals.genErr = errors.New("timeout")
	conv := f.reload(t)
	version := conv.Version

	out := f.orch.goals.Advance(context.Background(), f.goalInput(t, conv))

	assert.Nil(t, out.Goal)
	assert.False(t, out.Generated)
	assert.Equal(t, version, f.reload(t).Version)
}
