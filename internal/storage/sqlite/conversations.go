package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

const conversationColumns = `id, user_id, persona_id, user_persona_id, messages, active_goal,
	goal_created_at, completed_goals, settings, scenario, version, created_at, updated_at`

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv == nil || conv.UserID == "" || conv.PersonaID == "" {
		return fmt.Errorf("conversation requires user and persona: %w", storage.ErrInvalidInput)
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	conv.CreatedAt, conv.UpdatedAt = now, now
	conv.Version = 1

	doc, err := encodeConversation(conv)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.UserID, conv.PersonaID, nullableString(conv.UserPersonaID),
		doc.messages, doc.activeGoal, nullableTime(conv.GoalCreatedAt), doc.completedGoals,
		doc.settings, conv.Scenario, conv.Version, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return conv, nil
}

// FindConversation retrieves the conversation of a (user, persona) pair.
func (s *Store) FindConversation(ctx context.Context, userID, personaID string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? AND persona_id = ?`,
		userID, personaID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err, "conversation for", userID+"/"+personaID)
	}
	return conv, nil
}

// UpdateConversation writes the document under an optimistic version check
// and increments the message counter in the same transaction.
func (s *Store) UpdateConversation(ctx context.Context, conv *types.Conversation, messageDelta int) error {
	doc, err := encodeConversation(conv)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				user_persona_id = ?, messages = ?, active_goal = ?, goal_created_at = ?,
				completed_goals = ?, settings = ?, scenario = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, nullableString(conv.UserPersonaID), doc.messages, doc.activeGoal, nullableTime(conv.GoalCreatedAt),
			doc.completedGoals, doc.settings, conv.Scenario, now, conv.ID, conv.Version)
		if err != nil {
			return fmt.Errorf("sqlite: failed to update conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var count int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", conv.ID).Scan(&count); err != nil {
				return fmt.Errorf("sqlite: failed to check conversation: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("conversation %s: %w", conv.ID, storage.ErrNotFound)
			}
			return fmt.Errorf("conversation %s at version %d: %w", conv.ID, conv.Version, storage.ErrConflict)
		}

		if messageDelta > 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO message_counters (user_id, persona_id, message_count, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(user_id, persona_id) DO UPDATE SET
					message_count = message_count + excluded.message_count,
					updated_at = excluded.updated_at
			`, conv.UserID, conv.PersonaID, messageDelta, now)
			if err != nil {
				return fmt.Errorf("sqlite: failed to increment message counter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	conv.Version++
	conv.UpdatedAt = now
	return nil
}

// IncrementGoalCompletions upserts the completion counter.
func (s *Store) IncrementGoalCompletions(ctx context.Context, userID, personaID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goal_counters (user_id, persona_id, completion_count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id, persona_id) DO UPDATE SET
			completion_count = completion_count + 1,
			updated_at = excluded.updated_at
	`, userID, personaID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to increment goal completions: %w", err)
	}
	return nil
}

// GetUsageStats reads both counters; missing rows read as zero.
func (s *Store) GetUsageStats(ctx context.Context, userID, personaID string) (*types.UsageStats, error) {
	stats := &types.UsageStats{UserID: userID, PersonaID: personaID}

	var updated sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT message_count, updated_at FROM message_counters WHERE user_id = ? AND persona_id = ?`,
		userID, personaID).Scan(&stats.MessageCount, &updated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: failed to read message counter: %w", err)
	}
	if updated.Valid {
		stats.UpdatedAt = updated.Time
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT completion_count FROM goal_counters WHERE user_id = ? AND persona_id = ?`,
		userID, personaID).Scan(&stats.GoalCompletions)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: failed to read goal counter: %w", err)
	}
	return stats, nil
}

// SetLastMessage upserts the conversation list snapshot.
func (s *Store) SetLastMessage(ctx context.Context, userID, personaID string, msg types.LastMessage) error {
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO last_messages (user_id, persona_id, role, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, persona_id) DO UPDATE SET
			role = excluded.role, content = excluded.content, updated_at = excluded.updated_at
	`, userID, personaID, string(msg.Role), msg.Content, msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set last message: %w", err)
	}
	return nil
}

// GetLastMessage returns the snapshot for a pair.
func (s *Store) GetLastMessage(ctx context.Context, userID, personaID string) (*types.LastMessage, error) {
	var msg types.LastMessage
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role, content, updated_at FROM last_messages WHERE user_id = ? AND persona_id = ?`,
		userID, personaID).Scan(&role, &msg.Content, &msg.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "last message for", userID+"/"+personaID)
	}
	msg.Role = types.Role(role)
	return &msg, nil
}

type encodedConversation struct {
	messages       string
	activeGoal     sql.NullString
	completedGoals string
	settings       string
}

func encodeConversation(conv *types.Conversation) (*encodedConversation, error) {
	msgs := conv.Messages
	if msgs == nil {
		msgs = []types.Message{}
	}
	messages, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode messages: %w", err)
	}

	completed := conv.CompletedGoals
	if completed == nil {
		completed = []types.CompletedGoal{}
	}
	completedGoals, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completed goals: %w", err)
	}

	settings, err := json.Marshal(conv.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}

	doc := &encodedConversation{
		messages:       string(messages),
		completedGoals: string(completedGoals),
		settings:       string(settings),
	}
	if conv.ActiveGoal != nil {
		goal, err := json.Marshal(conv.ActiveGoal)
		if err != nil {
			return nil, fmt.Errorf("failed to encode active goal: %w", err)
		}
		doc.activeGoal = sql.NullString{String: string(goal), Valid: true}
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var (
		conv           types.Conversation
		userPersonaID  sql.NullString
		messages       string
		activeGoal     sql.NullString
		goalCreatedAt  sql.NullTime
		completedGoals string
		settings       string
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.PersonaID, &userPersonaID, &messages, &activeGoal,
		&goalCreatedAt, &completedGoals, &settings, &conv.Scenario, &conv.Version, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	conv.UserPersonaID = userPersonaID.String
	if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(completedGoals), &conv.CompletedGoals); err != nil {
		return nil, fmt.Errorf("failed to decode completed goals: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &conv.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if activeGoal.Valid && activeGoal.String != "" {
		var goal types.Goal
		if err := json.Unmarshal([]byte(activeGoal.String), &goal); err != nil {
			return nil, fmt.Errorf("failed to decode active goal: %w", err)
		}
		conv.ActiveGoal = &goal
	}
	if goalCreatedAt.Valid {
		t := goalCreatedAt.Time
		conv.GoalCreatedAt = &t
	}
	return &conv, nil
}
