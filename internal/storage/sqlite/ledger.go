package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// Balance returns the user's current points.
func (s *Store) Balance(ctx context.Context, userID string) (int, error) {
	var points int
	err := s.db.QueryRowContext(ctx, "SELECT points FROM users WHERE id = ?", userID).Scan(&points)
	if err != nil {
		return 0, notFound(err, "user", userID)
	}
	return points, nil
}

// Debit removes points atomically, failing closed on insufficient balance.
func (s *Store) Debit(ctx context.Context, userID string, amount int, reason string) error {
	if amount < 0 {
		return fmt.Errorf("negative debit %d: %w", amount, storage.ErrInvalidInput)
	}
	if amount == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return debitTx(ctx, tx, userID, amount, reason)
	})
}

// Credit adds points atomically.
func (s *Store) Credit(ctx context.Context, userID string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive credit %d: %w", amount, storage.ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET points = points + ?, updated_at = ? WHERE id = ?", amount, now, userID)
		if err != nil {
			return fmt.Errorf("sqlite: failed to credit points: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
		}
		return insertHistory(ctx, tx, userID, "credit", amount, reason, now)
	})
}

// History returns the most recent ledger entries, newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, points, reason, created_at
		FROM points_history WHERE user_id = ?
		ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query points history: %w", err)
	}
	defer rows.Close()

	var entries []storage.LedgerEntry
	for rows.Next() {
		var e storage.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Points, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan points history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DebitAndCreateTask debits the task cost and inserts the queued task in one
// transaction, so a crash can never leave a charge without a task.
func (s *Store) DebitAndCreateTask(ctx context.Context, task *types.ImageTask, reason string) error {
	if task == nil || task.PlaceholderID == "" || task.UserID == "" || task.ConversationID == "" {
		return fmt.Errorf("image task requires placeholder, user and conversation: %w", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = types.TaskQueued
	}
	task.CreatedAt, task.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if task.Cost > 0 {
			if err := debitTx(ctx, tx, task.UserID, task.Cost, reason); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO image_tasks (placeholder_id, task_id, user_id, conversation_id, prompt, image_count,
				restricted, auto_triggered, custom_prompt_id, cost, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, task.PlaceholderID, nullableString(task.TaskID), task.UserID, task.ConversationID, task.Prompt,
			task.Count, task.Restricted, task.AutoTriggered, nullableString(task.CustomPromptID), task.Cost,
			string(task.Status), task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("sqlite: failed to insert image task: %w", err)
		}
		return nil
	})
}

func debitTx(ctx context.Context, tx *sql.Tx, userID string, amount int, reason string) error {
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET points = points - ?, updated_at = ? WHERE id = ? AND points >= ?",
		amount, now, userID, amount)
	if err != nil {
		return fmt.Errorf("sqlite: failed to debit points: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", userID).Scan(&count); err != nil {
			return fmt.Errorf("sqlite: failed to check user: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
		}
		return fmt.Errorf("debit %d from %s: %w", amount, userID, storage.ErrInsufficientFunds)
	}
	return insertHistory(ctx, tx, userID, "debit", amount, reason, now)
}

func insertHistory(ctx context.Context, tx *sql.Tx, userID, kind string, amount int, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO points_history (user_id, kind, points, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		userID, kind, amount, reason, at)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record points history: %w", err)
	}
	return nil
}
