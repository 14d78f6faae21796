package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

func (f *fixture) imageTurn(t *testing.T, msg *types.Message) ImageTurn {
	t.Helper()
	user, err := f.store.GetUser(context.Background(), testUser)
	require.NoError(t, err)
	persona, err := f.store.GetPersona(context.Background(), testPersona)
	require.NoError(t, err)
	return ImageTurn{
		User:         user,
		Conversation: f.reload(t),
		Persona:      persona,
		Message:      *msg,
		RequestText:  msg.Content,
		Language:     "en",
	}
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountPendingTasks(context.Background(), testUser)
	require.NoError(t, err)
	return n
}

func TestEvaluate_NoFlagIsNoop(t *testing.T) {
	f := newFixture(t, 100, types.ConversationSettings{})
	msg := types.NewTextMessage(types.RoleUser, "hello")

	outcome := f.orch.images.Trigger(context.Background(), f.imageTurn(t, &msg))

	assert.Equal(t, DecisionNone, outcome.Status)
	assert.Nil(t, outcome.ContextMessage)
	assert.Empty(t, f.notifier.pushes)
	f.renderer.AssertNotCalled(t, "Render", mock.Anything, mock.Anything)
}

func TestEvaluate_DispatchedRequestIsNoop(t *testing.T) {
	f := newFixture(t, 100, types.ConversationSettings{})
	msg := imageRequest("pic")
	msg.PlaceholderID = "ph-earlier"

	outcome := f.orch.images.Trigger(context.Background(), f.imageTurn(t, msg))

	assert.Equal(t, DecisionNone, outcome.Status)
	assert.Equal(t, 100, f.balance(t))
	f.renderer.AssertNotCalled(t, "Render", mock.Anything, mock.Anything)
}

func TestEvaluate_AffordabilityGate(t *testing.T) {
	tests := []struct {
		name     string
		balance  int
		dispatch bool
	}{
		{name: "balance below cost", balance: 49, dispatch: false},
		{name: "balance equals cost", balance: 50, dispatch: true},
		{name: "balance above cost", balance: 80, dispatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.balance, types.ConversationSettings{})
			f.renderer.On("Render", mock.Anything, mock.Anything).Return(imaging.RenderResult{TaskID: "job-1"}, nil).Maybe()

			outcome := f.orch.images.Trigger(context.Background(), f.imageTurn(t, imageRequest("show me")))
			f.orch.Wait()

			if tt.dispatch {
				assert.Equal(t, DecisionDispatch, outcome.Status)
				assert.False(t, outcome.ClearFlag)
				assert.Equal(t, tt.balance-pricePer, f.balance(t))
				f.renderer.AssertNumberOfCalls(t, "Render", 1)
				return
			}

			assert.Equal(t, DecisionCannotAfford, outcome.Status)
			assert.True(t, outcome.ClearFlag)
			require.NotNil(t, outcome.ContextMessage)
			assert.Equal(t, types.ControlContext, outcome.ContextMessage.Name)
			assert.Len(t, f.notifier.events(EventOpenPurchaseFlow), 1)
			assert.Equal(t, tt.balance, f.balance(t))
			assert.Equal(t, 0, f.pending(t))
			f.renderer.AssertNotCalled(t, "Render", mock.Anything, mock.Anything)
		})
	}
}

func TestEvaluate_PendingCap(t *testing.T) {
	f := newFixture(t, 1000, types.ConversationSettings{})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.store.DebitAndCreateTask(ctx, &types.ImageTask{
			PlaceholderID:  "old-" + string(rune('a'+i)),
			UserID:         testUser,
			ConversationID: f.conv.ID,
			Count:          1,
		}, storage.ReasonImageGeneration))
	}

	outcome := f.orch.images.Trigger(ctx, f.imageTurn(t, imageRequest("one more")))

	assert.Equal(t, DecisionRefusedPending, outcome.Status)
	assert.True(t, outcome.ClearFlag)
	assert.Nil(t, outcome.ContextMessage)
	assert.Equal(t, 6, f.pending(t), "no task was created")
	assert.Equal(t, 1000, f.balance(t))
	require.Len(t, f.notifier.events(EventShowNotification), 1)
	f.renderer.AssertNotCalled(t, "Render", mock.Anything, mock.Anything)
}

func TestEvaluate_PendingCapSkipsAdmins(t *testing.T) {
	f := newFixture(t, 1000, types.ConversationSettings{})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.store.DebitAndCreateTask(ctx, &types.ImageTask{
			PlaceholderID:  "old-" + string(rune('a'+i)),
			UserID:         testUser,
			ConversationID: f.conv.ID,
			Count:          1,
		}, storage.ReasonImageGeneration))
	}
	turn := f.imageTurn(t, imageRequest("one more"))
	turn.User.Admin = true

	decision := f.orch.images.Evaluate(ctx, turn)
	assert.Equal(t, DecisionDispatch, decision.Status)
}

func TestEvaluate_CountAndCustomPrompt(t *testing.T) {
	f := newFixture(t, 0, types.ConversationSettings{MinImages: 9})
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCustomPrompt(ctx, &types.CustomPrompt{ID: "cp1", Prompt: "portrait, studio light", Restricted: true}))

	plain := f.orch.images.Evaluate(ctx, f.imageTurn(t, imageRequest("pics")))
	assert.Equal(t, types.MaxImagesPerRequest, plain.Count)
	assert.Equal(t, types.MaxImagesPerRequest*pricePer, plain.Cost)
	assert.Equal(t, DecisionCannotAfford, plain.Status)

	msg := imageRequest("that portrait")
	msg.PromptID = "cp1"
	custom := f.orch.images.Evaluate(ctx, f.imageTurn(t, msg))
	assert.Equal(t, DecisionDispatch, custom.Status, "custom prompts are prepaid")
	assert.Zero(t, custom.Cost)
	assert.True(t, custom.Restricted)
}

func TestDispatch_LoadersBeforeRender(t *testing.T) {
	f := newFixture(t, 500, types.ConversationSettings{MinImages: 2})
	release := make(chan struct{})
	f.renderer.On("Render", mock.Anything, mock.MatchedBy(func(r imaging.RenderRequest) bool {
		return r.Count == 2 && r.Prompt == "young woman on a beach at sunset" && !r.Restricted
	})).Run(func(mock.Arguments) { <-release }).Return(imaging.RenderResult{TaskID: "job-7"}, nil)

	outcome := f.orch.images.Trigger(context.Background(), f.imageTurn(t, imageRequest("beach pics")))
	require.NotNil(t, outcome.Handle)

	assert.Equal(t, 2, f.notifier.loaders("show"), "loaders are pushed before the render returns")
	assert.Len(t, f.notifier.events(EventAddIcon), 1)

	close(release)
	require.NoError(t, outcome.Handle.Wait(context.Background()))
	f.orch.Wait()

	task, err := f.store.GetTask(context.Background(), outcome.Handle.PlaceholderID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRendering, task.Status)
	assert.Equal(t, "job-7", task.TaskID)
	assert.Equal(t, "young woman on a beach at sunset", task.Prompt)
	assert.Equal(t, 400, f.balance(t))
}

func TestDispatch_RenderFailureClearsLoaders(t *testing.T) {
	f := newFixture(t, 100, types.ConversationSettings{})
	f.renderer.On("Render", mock.Anything, mock.Anything).
		Return(imaging.RenderResult{}, imaging.ErrDispatchFailed).Once()

	outcome := f.orch.images.Trigger(context.Background(), f.imageTurn(t, imageRequest("pic please")))
	require.NotNil(t, outcome.Handle)
	assert.ErrorIs(t, outcome.Handle.Wait(context.Background()), imaging.ErrDispatchFailed)
	f.orch.Wait()

	task, err := f.store.GetTask(context.Background(), outcome.Handle.PlaceholderID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, 1, f.notifier.loaders("remove"))
	require.Len(t, f.notifier.events(EventRegenSpin), 1)
	assert.Equal(t, false, f.notifier.events(EventRegenSpin)[0].Payload["spin"])
	f.renderer.AssertNumberOfCalls(t, "Render", 1)
}

func TestDispatch_PoseFailureFallsBackToRequest(t *testing.T) {
	f := newFixture(t, 100, types.ConversationSettings{})
	f.poser.err = errors.New("model offline")
	f.renderer.On("Render", mock.Anything, mock.MatchedBy(func(r imaging.RenderRequest) bool {
		return r.Prompt == "young woman, sun-bleached hair, at the pier"
	})).Return(imaging.RenderResult{TaskID: "job-2"}, nil).Once()

	outcome := f.orch.images.Trigger(context.Background(), f.imageTurn(t, imageRequest("at the pier")))
	require.NotNil(t, outcome.Handle)
	require.NoError(t, outcome.Handle.Wait(context.Background()))
	f.orch.Wait()

	f.renderer.AssertExpectations(t)
}

func TestTrigger_AutoCannotAffordOnlyNotifies(t *testing.T) {
	f := newFixture(t, 10, types.ConversationSettings{})
	reply := types.NewTextMessage(types.RoleAssistant, "Want to see my new swimsuit?")
	reply.ImageRequest = true
	turn := f.imageTurn(t, &reply)
	turn.AutoTriggered = true

	outcome := f.orch.images.Trigger(context.Background(), turn)

	assert.Equal(t, DecisionCannotAfford, outcome.Status)
	assert.False(t, outcome.ClearFlag)
	assert.Nil(t, outcome.ContextMessage)
	assert.Len(t, f.notifier.events(EventInsufficientFunds), 1)
	assert.Empty(t, f.notifier.events(EventOpenPurchaseFlow))
}
