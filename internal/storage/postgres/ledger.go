package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// Balance returns the user's current points.
func (s *Store) Balance(ctx context.Context, userID string) (int, error) {
	var points int
	err := s.db.QueryRowContext(ctx, "SELECT points FROM users WHERE id = $1", userID).Scan(&points)
	if err != nil {
		return 0, notFound(err, "user", userID)
	}
	return points, nil
}

// Debit removes points; the conditional UPDATE fails closed on insufficient balance.
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

// Credit adds points.
func (s *Store) Credit(ctx context.Context, userID string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive credit %d: %w", amount, storage.ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET points = points + $1, updated_at = NOW() WHERE id = $2", amount, userID)
		if err != nil {
			return fmt.Errorf("postgres: failed to credit points: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
		}
		return insertHistory(ctx, tx, userID, "credit", amount, reason)
	})
}

// History returns the most recent ledger entries, newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, points, reason, created_at
		FROM points_history WHERE user_id = $1
		ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query points history: %w", err)
	}
	defer rows.Close()

	var entries []storage.LedgerEntry
	for rows.Next() {
		var e storage.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Points, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan points history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DebitAndCreateTask debits the task cost and inserts the queued task in one transaction.
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, task.PlaceholderID, nullableString(task.TaskID), task.UserID, task.ConversationID, task.Prompt,
			task.Count, task.Restricted, task.AutoTriggered, nullableString(task.CustomPromptID), task.Cost,
			string(task.Status), task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert image task: %w", err)
		}
		return nil
	})
}

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
		FROM image_tasks WHERE placeholder_id = $1
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

// UpdateTaskStatus moves a task along its lifecycle. The row is locked with
// FOR UPDATE so concurrent callbacks cannot both pass the transition check.
func (s *Store) UpdateTaskStatus(ctx context.Context, placeholderID string, status types.TaskStatus, taskID, errText string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM image_tasks WHERE placeholder_id = $1 FOR UPDATE", placeholderID).Scan(&current)
		if err != nil {
			return notFound(err, "image task", placeholderID)
		}
		if !types.IsValidTaskTransition(types.TaskStatus(current), status) {
			return fmt.Errorf("image task %s: %s -> %s: %w", placeholderID, current, status, storage.ErrInvalidInput)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE image_tasks SET
				status = $1,
				task_id = COALESCE($2, task_id),
				error = COALESCE($3, error),
				updated_at = NOW()
			WHERE placeholder_id = $4
		`, string(status), nullableString(taskID), nullableString(errText), placeholderID)
		if err != nil {
			return fmt.Errorf("postgres: failed to update image task: %w", err)
		}
		return nil
	})
}

// SetTaskPrompt records the derived render prompt.
func (s *Store) SetTaskPrompt(ctx context.Context, placeholderID, prompt string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE image_tasks SET prompt = $1, updated_at = NOW() WHERE placeholder_id = $2",
		prompt, placeholderID)
	if err != nil {
		return fmt.Errorf("postgres: failed to set task prompt: %w", err)
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
		"SELECT COUNT(*) FROM image_tasks WHERE user_id = $1 AND status IN ($2, $3)",
		userID, string(types.TaskQueued), string(types.TaskRendering)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count pending tasks: %w", err)
	}
	return n, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	var tier string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, language, tier, is_admin, points FROM users WHERE id = $1", id).
		Scan(&u.ID, &u.Name, &u.Language, &tier, &u.Admin, &u.Points)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	u.Tier = types.Tier(tier)
	return &u, nil
}

// UpsertUser creates or updates a profile; points are only written on insert.
func (s *Store) UpsertUser(ctx context.Context, u *types.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user requires an id: %w", storage.ErrInvalidInput)
	}
	if u.Tier == "" {
		u.Tier = types.TierFree
	}
	if u.Language == "" {
		u.Language = "en"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, language, tier, is_admin, points)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, language = EXCLUDED.language, tier = EXCLUDED.tier,
			is_admin = EXCLUDED.is_admin, updated_at = NOW()
	`, u.ID, u.Name, u.Language, string(u.Tier), u.Admin, u.Points)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert user: %w", err)
	}
	return nil
}

// GetPersona retrieves a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*types.Persona, error) {
	var p types.Persona
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, image_description, language, restricted FROM personas WHERE id = $1", id).
		Scan(&p.ID, &p.Name, &p.Description, &p.ImageDescription, &p.Language, &p.Restricted)
	if err != nil {
		return nil, notFound(err, "persona", id)
	}
	return &p, nil
}

// UpsertPersona creates or replaces a persona.
func (s *Store) UpsertPersona(ctx context.Context, p *types.Persona) error {
	if p == nil || p.ID == "" || p.Name == "" {
		return fmt.Errorf("persona requires id and name: %w", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, name, description, image_description, language, restricted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			image_description = EXCLUDED.image_description, language = EXCLUDED.language,
			restricted = EXCLUDED.restricted
	`, p.ID, p.Name, p.Description, p.ImageDescription, p.Language, p.Restricted)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert persona: %w", err)
	}
	return nil
}

// GetCustomPrompt retrieves a pre-authored prompt.
func (s *Store) GetCustomPrompt(ctx context.Context, id string) (*types.CustomPrompt, error) {
	var p types.CustomPrompt
	err := s.db.QueryRowContext(ctx, "SELECT id, prompt, restricted FROM custom_prompts WHERE id = $1", id).
		Scan(&p.ID, &p.Prompt, &p.Restricted)
	if err != nil {
		return nil, notFound(err, "custom prompt", id)
	}
	return &p, nil
}

// UpsertCustomPrompt creates or replaces a custom prompt.
func (s *Store) UpsertCustomPrompt(ctx context.Context, p *types.CustomPrompt) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("custom prompt requires an id: %w", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_prompts (id, prompt, restricted) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET prompt = EXCLUDED.prompt, restricted = EXCLUDED.restricted
	`, p.ID, p.Prompt, p.Restricted)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert custom prompt: %w", err)
	}
	return nil
}

// ListGalleryImages returns a persona's gallery.
func (s *Store) ListGalleryImages(ctx context.Context, personaID string, includeRestricted bool) ([]types.GalleryImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona_id, image_url, prompt, restricted FROM gallery_images
		WHERE persona_id = $1 AND ($2 OR NOT restricted)
		ORDER BY id
	`, personaID, includeRestricted)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list gallery: %w", err)
	}
	defer rows.Close()

	var images []types.GalleryImage
	for rows.Next() {
		var img types.GalleryImage
		if err := rows.Scan(&img.ID, &img.PersonaID, &img.URL, &img.Prompt, &img.Restricted); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan gallery image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// AddGalleryImage stores a gallery image.
func (s *Store) AddGalleryImage(ctx context.Context, img *types.GalleryImage) error {
	if img == nil || img.PersonaID == "" || img.URL == "" {
		return fmt.Errorf("gallery image requires persona and url: %w", storage.ErrInvalidInput)
	}
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO gallery_images (id, persona_id, image_url, prompt, restricted) VALUES ($1, $2, $3, $4, $5)",
		img.ID, img.PersonaID, img.URL, img.Prompt, img.Restricted)
	if err != nil {
		return fmt.Errorf("postgres: failed to add gallery image: %w", err)
	}
	return nil
}

func debitTx(ctx context.Context, tx *sql.Tx, userID string, amount int, reason string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET points = points - $1, updated_at = NOW() WHERE id = $2 AND points >= $1",
		amount, userID)
	if err != nil {
		return fmt.Errorf("postgres: failed to debit points: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: failed to check user: %w", err)
		}
		if !exists {
			return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
		}
		return fmt.Errorf("debit %d from %s: %w", amount, userID, storage.ErrInsufficientFunds)
	}
	return insertHistory(ctx, tx, userID, "debit", amount, reason)
}

func insertHistory(ctx context.Context, tx *sql.Tx, userID, kind string, amount int, reason string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO points_history (user_id, kind, points, reason) VALUES ($1, $2, $3, $4)",
		userID, kind, amount, reason)
	if err != nil {
		return fmt.Errorf("postgres: failed to record points history: %w", err)
	}
	return nil
}
