package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/internal/storage/postgres"
	"github.com/scrypster/companion/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects to the test database and starts from empty tables.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	store, err := postgres.NewStore(postgresTestDSN(t))
	require.NoError(t, err, "NewStore should succeed")
	require.NoError(t, store.TruncateForTest(context.Background()))

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestPostgresConversationVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := &types.Conversation{UserID: "u1", PersonaID: "p1"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	stale := conv.Clone()
	conv.Messages = append(conv.Messages, types.NewTextMessage(types.RoleUser, "hello"))
	require.NoError(t, store.UpdateConversation(ctx, conv, 1))

	stale.Messages = append(stale.Messages, types.NewTextMessage(types.RoleUser, "other"))
	assert.ErrorIs(t, store.UpdateConversation(ctx, stale, 1), storage.ErrConflict)

	got, err := store.FindConversation(ctx, "u1", "p1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)

	stats, err := store.GetUsageStats(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MessageCount)
}

func TestPostgresLedgerAndTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertUser(ctx, &types.User{ID: "u1", Points: 100}))

	task := &types.ImageTask{PlaceholderID: "ph", UserID: "u1", ConversationID: "c1", Count: 1, Cost: 150}
	assert.ErrorIs(t, store.DebitAndCreateTask(ctx, task, storage.ReasonImageGeneration), storage.ErrInsufficientFunds)

	task.Cost = 50
	require.NoError(t, store.DebitAndCreateTask(ctx, task, storage.ReasonImageGeneration))

	balance, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, balance)

	n, err := store.CountPendingTasks(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.UpdateTaskStatus(ctx, "ph", types.TaskRendering, "engine-7", ""))
	got, err := store.GetTask(ctx, "ph")
	require.NoError(t, err)
	assert.Equal(t, "engine-7", got.TaskID)
	assert.Equal(t, types.TaskRendering, got.Status)
}

func TestPostgresDirectory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPersona(ctx, &types.Persona{ID: "p1", Name: "Mei"}))
	require.NoError(t, store.AddGalleryImage(ctx, &types.GalleryImage{PersonaID: "p1", URL: "a.png"}))
	require.NoError(t, store.AddGalleryImage(ctx, &types.GalleryImage{PersonaID: "p1", URL: "b.png", Restricted: true}))

	general, err := store.ListGalleryImages(ctx, "p1", false)
	require.NoError(t, err)
	assert.Len(t, general, 1)

	_, err = store.GetPersona(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
