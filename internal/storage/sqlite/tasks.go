package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// GetTask retrieves a task by placeholder ID.
func (s *Store) GetTask(ctx context.Context, placeholderID string) (*types.ImageTask, error) {
	var (
		task           types.ImageTask
		taskID         sql.NullString
		customPromptID sql.NullString
		errText        sql.NullString
		status         string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT placeholder_id, task_id, user_id, conversation_id, prompt, image_count, restricted,
			auto_triggered, custom_prompt_id, cost, status, error, created_at, updated_at
		FROM image_tasks WHERE placeholder_id = ?
	`, placeholderID).Scan(&task.PlaceholderID, &taskID, &task.UserID, &task.ConversationID, &task.Prompt,
		&task.Count, &task.Restricted, &task.AutoTriggered, &customPromptID, &task.Cost, &status, &errText,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "image task", placeholderID)
	}
	task.TaskID = taskID.String
	task.CustomPromptID = customPromptID.String
	task.Error = errText.String
	task.Status = types.TaskStatus(status)
	return &task, nil
}

// UpdateTaskStatus moves a task along its lifecycle.
func (s *Store) UpdateTaskStatus(ctx context.Context, placeholderID string, status types.TaskStatus, taskID, errText string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM image_tasks WHERE placeholder_id = ?", placeholderID).Scan(&current)
		if err != nil {
			return notFound(err, "image task", placeholderID)
		}
		if !types.IsValidTaskTransition(types.TaskStatus(current), status) {
			return fmt.Errorf("image task %s: %s -> %s: %w", placeholderID, current, status, storage.ErrInvalidInput)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE image_tasks SET
				status = ?,
				task_id = COALESCE(?, task_id),
				error = COALESCE(?, error),
				updated_at = ?
			WHERE placeholder_id = ?
		`, string(status), nullableString(taskID), nullableString(errText), time.Now().UTC(), placeholderID)
		if err != nil {
			return fmt.Errorf("sqlite: failed to update image task: %w", err)
		}
		return nil
	})
}

// SetTaskPrompt records the derived render prompt.
func (s *Store) SetTaskPrompt(ctx context.Context, placeholderID, prompt string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE image_tasks SET prompt = ?, updated_at = ? WHERE placeholder_id = ?",
		prompt, time.Now().UTC(), placeholderID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set task prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image task %s: %w", placeholderID, storage.ErrNotFound)
	}
	return nil
}

// CountPendingTasks counts queued or rendering tasks for a user.
func (s *Store) CountPendingTasks(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM image_tasks WHERE user_id = ? AND status IN (?, ?)",
		userID, string(types.TaskQueued), string(types.TaskRendering)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count pending tasks: %w", err)
	}
	return n, nil
}
