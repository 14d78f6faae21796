package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// maxMergeAttempts bounds reload-and-remerge cycles after a version conflict.
const maxMergeAttempts = 3

// MergeMessages folds incoming into existing and returns the merged log and
// the number of appended user or assistant messages.
//
//   - media messages are always appended
//   - a named control message replaces the latest control of the same name
//   - other text replaces the first non-media, non-control entry with
//     identical content
//   - everything else is appended
//
// A replacement keeps the existing entry's ID when the incoming message has
// none. existing is never modified.
func MergeMessages(existing, incoming []types.Message) ([]types.Message, int) {
	merged := make([]types.Message, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	newCount := 0
	for _, msg := range incoming {
		idx := -1
		switch {
		case msg.IsMedia():
		case msg.IsControl() && msg.Name != "":
			idx = lastControlIndex(merged, msg.Name)
		case !msg.IsControl():
			idx = textIndex(merged, msg.Content)
		}

		if idx >= 0 {
			if msg.ID == "" {
				msg.ID = merged[idx].ID
			}
			merged[idx] = msg
			continue
		}

		merged = append(merged, msg)
		if msg.CountsAsUsage() {
			newCount++
		}
	}
	return merged, newCount
}

func lastControlIndex(messages []types.Message, name string) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsControl() && messages[i].Name == name {
			return i
		}
	}
	return -1
}

func textIndex(messages []types.Message, content string) int {
	for i, m := range messages {
		if m.IsMedia() || m.IsControl() {
			continue
		}
		if m.Content == content {
			return i
		}
	}
	return -1
}

// Engine applies merges to stored conversations.
type Engine struct {
	conversations storage.ConversationStore
	locks         *conversationLocks
}

// NewEngine creates an Engine over store.
func NewEngine(store storage.ConversationStore) *Engine {
	return newEngine(store, newConversationLocks())
}

func newEngine(store storage.ConversationStore, locks *conversationLocks) *Engine {
	return &Engine{conversations: store, locks: locks}
}

// AppendMessages merges incoming into the conversation's log and persists
// the result together with the usage counter increment.
func (e *Engine) AppendMessages(ctx context.Context, conversationID string, incoming []types.Message) (*types.Conversation, int, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	conv, err := e.load(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	return e.appendLocked(ctx, conv, incoming)
}

func (e *Engine) load(ctx context.Context, conversationID string) (*types.Conversation, error) {
	conv, err := e.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// appendLocked merges into conv and persists it. The caller holds the
// conversation lock. On a version conflict the conversation is reloaded
// and merged again, so the returned conversation may not be conv.
func (e *Engine) appendLocked(ctx context.Context, conv *types.Conversation, incoming []types.Message) (*types.Conversation, int, error) {
	if len(incoming) == 0 {
		return conv, 0, nil
	}

	current := conv
	var lastErr error
	for attempt := 1; attempt <= maxMergeAttempts; attempt++ {
		next := current.Clone()
		merged, newCount := MergeMessages(current.Messages, incoming)
		next.Messages = merged

		err := e.conversations.UpdateConversation(ctx, next, newCount)
		if err == nil {
			*conv = *next
			return conv, newCount, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, 0, fmt.Errorf("failed to persist conversation: %w", err)
		}

		lastErr = err
		log.WithFields(log.Fields{
			"conversation_id": conv.ID,
			"attempt":         attempt,
		}).Debug("engine: version conflict, reloading conversation")

		current, err = e.load(ctx, conv.ID)
		if err != nil {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("failed to persist conversation after %d attempts: %w", maxMergeAttempts, lastErr)
}
