// Package storage provides composable storage interfaces for the companion
// turn pipeline.
//
// The interfaces are small and focused so the engine only depends on the
// operations it performs: find and update a conversation, upsert counters,
// debit and credit points, and track image tasks. The sqlite and postgres
// packages implement all of them on one *Store.
package storage

import (
	"context"

	"github.com/scrypster/companion/pkg/types"
)

// ConversationStore persists conversation documents and their derived caches.
type ConversationStore interface {
	// CreateConversation inserts a new conversation. Version is set to 1.
	CreateConversation(ctx context.Context, conv *types.Conversation) error

	// GetConversation retrieves a conversation by ID.
	// Returns ErrNotFound if the conversation doesn't exist.
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)

	// FindConversation retrieves the conversation of a (user, persona) pair.
	// Returns ErrNotFound if the pair has never talked.
	FindConversation(ctx context.Context, userID, personaID string) (*types.Conversation, error)

	// UpdateConversation writes the whole document if conv.Version still
	// matches the stored version, then bumps conv.Version.
	// When messageDelta > 0 the per-(user, persona) message counter is
	// incremented in the same transaction as the log write.
	// Returns ErrNotFound or ErrConflict; on error nothing is written.
	UpdateConversation(ctx context.Context, conv *types.Conversation, messageDelta int) error

	// IncrementGoalCompletions upserts the per-(user, persona) completion counter.
	IncrementGoalCompletions(ctx context.Context, userID, personaID string) error

	// GetUsageStats returns counters for a (user, persona) pair. Missing
	// counters read as zero.
	GetUsageStats(ctx context.Context, userID, personaID string) (*types.UsageStats, error)

	// SetLastMessage stores the snapshot shown in conversation lists.
	SetLastMessage(ctx context.Context, userID, personaID string, msg types.LastMessage) error

	// GetLastMessage returns the snapshot or ErrNotFound.
	GetLastMessage(ctx context.Context, userID, personaID string) (*types.LastMessage, error)
}

// Ledger is the atomic points balance.
type Ledger interface {
	// Balance returns the user's current points.
	Balance(ctx context.Context, userID string) (int, error)

	// Debit removes points. Returns ErrInsufficientFunds when the balance is
	// lower than amount; the balance is untouched in that case.
	Debit(ctx context.Context, userID string, amount int, reason string) error

	// Credit adds points.
	Credit(ctx context.Context, userID string, amount int, reason string) error

	// History returns the most recent ledger entries, newest first.
	History(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}

// TaskStore tracks image tasks.
type TaskStore interface {
	// DebitAndCreateTask debits task.Cost from the user and inserts the task
	// row in one transaction. A zero cost skips the debit.
	// Returns ErrInsufficientFunds without creating the task.
	DebitAndCreateTask(ctx context.Context, task *types.ImageTask, reason string) error

	// GetTask retrieves a task by placeholder ID.
	GetTask(ctx context.Context, placeholderID string) (*types.ImageTask, error)

	// UpdateTaskStatus moves a task to a new status, recording the engine
	// task id and error text when given. Invalid transitions return ErrInvalidInput.
	UpdateTaskStatus(ctx context.Context, placeholderID string, status types.TaskStatus, taskID, errText string) error

	// SetTaskPrompt records the render prompt once it has been derived.
	SetTaskPrompt(ctx context.Context, placeholderID, prompt string) error

	// CountPendingTasks counts the user's queued or rendering tasks.
	CountPendingTasks(ctx context.Context, userID string) (int, error)
}

// Directory reads the records a turn needs besides the conversation.
type Directory interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
	UpsertUser(ctx context.Context, user *types.User) error
	GetPersona(ctx context.Context, id string) (*types.Persona, error)
	UpsertPersona(ctx context.Context, persona *types.Persona) error
	GetCustomPrompt(ctx context.Context, id string) (*types.CustomPrompt, error)
	UpsertCustomPrompt(ctx context.Context, prompt *types.CustomPrompt) error
	ListGalleryImages(ctx context.Context, personaID string, includeRestricted bool) ([]types.GalleryImage, error)
	AddGalleryImage(ctx context.Context, img *types.GalleryImage) error
}

// Store is the full persistence surface implemented by every backend.
type Store interface {
	ConversationStore
	Ledger
	TaskStore
	Directory

	Close() error
}
