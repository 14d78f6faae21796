package sqlite

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUser(t *testing.T, s *Store, id string, points int) {
	t.Helper()
	require.NoError(t, s.UpsertUser(context.Background(), &types.User{ID: id, Points: points}))
}

func newConversation(t *testing.T, s *Store) *types.Conversation {
	t.Helper()
	conv := &types.Conversation{UserID: "u1", PersonaID: "p1"}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation(t, s)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, int64(1), conv.Version)

	conv.Messages = append(conv.Messages, types.NewTextMessage(types.RoleUser, "hi"))
	conv.ActiveGoal = &types.Goal{Type: types.GoalRelationship, Description: "learn her name", Difficulty: types.DifficultyEasy}
	conv.Settings.MinImages = 2
	require.NoError(t, s.UpdateConversation(ctx, conv, 1))
	assert.Equal(t, int64(2), conv.Version)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
	require.NotNil(t, got.ActiveGoal)
	assert.Equal(t, "learn her name", got.ActiveGoal.Description)
	assert.Equal(t, 2, got.Settings.MinImages)
	assert.Equal(t, int64(2), got.Version)

	found, err := s.FindConversation(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.FindConversation(context.Background(), "u", "p")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateConversationRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s)

	stale := conv.Clone()
	conv.Messages = append(conv.Messages, types.NewTextMessage(types.RoleUser, "first"))
	require.NoError(t, s.UpdateConversation(ctx, conv, 1))

	stale.Messages = append(stale.Messages, types.NewTextMessage(types.RoleUser, "second"))
	err := s.UpdateConversation(ctx, stale, 1)
	assert.ErrorIs(t, err, storage.ErrConflict)

	stats, err := s.GetUsageStats(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MessageCount, "a rejected write must not bump the counter")

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "first", got.Messages[0].Content)
}

func TestUpdateConversationMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateConversation(context.Background(), &types.Conversation{ID: "nope", Version: 1}, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGoalCompletionCounterUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementGoalCompletions(ctx, "u1", "p1"))
	require.NoError(t, s.IncrementGoalCompletions(ctx, "u1", "p1"))

	stats, err := s.GetUsageStats(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.GoalCompletions)
	assert.Equal(t, 0, stats.MessageCount)
}

func TestLastMessageSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetLastMessage(ctx, "u1", "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetLastMessage(ctx, "u1", "p1", types.LastMessage{Role: types.RoleAssistant, Content: "one"}))
	require.NoError(t, s.SetLastMessage(ctx, "u1", "p1", types.LastMessage{Role: types.RoleAssistant, Content: "two"}))

	got, err := s.GetLastMessage(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Content)
	assert.Equal(t, types.RoleAssistant, got.Role)
}

func TestLedgerDebitFailsClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", 40)

	err := s.Debit(ctx, "u1", 50, storage.ReasonImageGeneration)
	assert.ErrorIs(t, err, storage.ErrInsufficientFunds)

	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 40, balance)

	require.NoError(t, s.Credit(ctx, "u1", 100, storage.ReasonGoalCompletion))
	require.NoError(t, s.Debit(ctx, "u1", 50, storage.ReasonImageGeneration))

	balance, err = s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 90, balance)

	history, err := s.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "debit", history[0].Kind)
	assert.Equal(t, "credit", history[1].Kind)
}

func TestLedgerUnknownUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.Debit(ctx, "ghost", 10, "x"), storage.ErrNotFound)
	assert.ErrorIs(t, s.Credit(ctx, "ghost", 10, "x"), storage.ErrNotFound)
	assert.ErrorIs(t, s.Credit(ctx, "ghost", 0, "x"), storage.ErrInvalidInput)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Debit(ctx, "u1", 50, storage.ReasonImageGeneration); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestDebitAndCreateTaskIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", 30)

	task := &types.ImageTask{PlaceholderID: "ph-1", UserID: "u1", ConversationID: "c1", Count: 1, Cost: 50}
	err := s.DebitAndCreateTask(ctx, task, storage.ReasonImageGeneration)
	assert.ErrorIs(t, err, storage.ErrInsufficientFunds)

	_, err = s.GetTask(ctx, "ph-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "no task row without a debit")

	require.NoError(t, s.Credit(ctx, "u1", 20, "topup"))
	require.NoError(t, s.DebitAndCreateTask(ctx, task, storage.ReasonImageGeneration))

	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)

	got, err := s.GetTask(ctx, "ph-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.Status)
	assert.Equal(t, 50, got.Cost)
}

func TestFreeTaskSkipsDebit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", 0)

	task := &types.ImageTask{PlaceholderID: "ph-free", UserID: "u1", ConversationID: "c1", Count: 1, CustomPromptID: "cp"}
	require.NoError(t, s.DebitAndCreateTask(ctx, task, storage.ReasonImageGeneration))

	got, err := s.GetTask(ctx, "ph-free")
	require.NoError(t, err)
	assert.Equal(t, "cp", got.CustomPromptID)
}

func TestTaskLifecycleAndPendingCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", 0)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.DebitAndCreateTask(ctx,
			&types.ImageTask{PlaceholderID: id, UserID: "u1", ConversationID: "c1", Count: 1}, "free"))
	}

	n, err := s.CountPendingTasks(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.UpdateTaskStatus(ctx, "a", types.TaskRendering, "engine-1", ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, "a", types.TaskDelivered, "", ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, "b", types.TaskFailed, "", "boom"))

	err = s.UpdateTaskStatus(ctx, "a", types.TaskFailed, "", "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	require.NoError(t, s.SetTaskPrompt(ctx, "a", "1girl, beach"))
	assert.ErrorIs(t, s.SetTaskPrompt(ctx, "zzz", "x"), storage.ErrNotFound)

	got, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "engine-1", got.TaskID, "task id survives later updates")
	assert.Equal(t, "1girl, beach", got.Prompt)

	n, err = s.CountPendingTasks(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPersona(ctx, &types.Persona{ID: "p1", Name: "Aiko", Description: "cheerful"}))
	p, err := s.GetPersona(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Aiko", p.Name)

	require.NoError(t, s.UpsertUser(ctx, &types.User{ID: "u1", Tier: types.TierPremium, Points: 10}))
	require.NoError(t, s.UpsertUser(ctx, &types.User{ID: "u1", Tier: types.TierPremium, Points: 9999}))
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, u.Points, "upsert must not overwrite the ledger balance")
	assert.Equal(t, types.TierPremium, u.Tier)

	require.NoError(t, s.AddGalleryImage(ctx, &types.GalleryImage{PersonaID: "p1", URL: "a.png"}))
	require.NoError(t, s.AddGalleryImage(ctx, &types.GalleryImage{PersonaID: "p1", URL: "b.png", Restricted: true}))

	all, err := s.ListGalleryImages(ctx, "p1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	general, err := s.ListGalleryImages(ctx, "p1", false)
	require.NoError(t, err)
	require.Len(t, general, 1)
	assert.Equal(t, "a.png", general[0].URL)

	require.NoError(t, s.UpsertCustomPrompt(ctx, &types.CustomPrompt{ID: "cp1", Prompt: "in a garden", Restricted: true}))
	cp, err := s.GetCustomPrompt(ctx, "cp1")
	require.NoError(t, err)
	assert.True(t, cp.Restricted)
}

func TestDBPathFromDSN(t *testing.T) {
	assert.Equal(t, "", dbPathFromDSN(":memory:"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("/tmp/x.db"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("file:/tmp/x.db?mode=rwc"))
	assert.Equal(t, "", dbPathFromDSN("file::memory:"))
}
